package domain

import "errors"

var (
	ErrResourceNotFound    = errors.New("resource not found")
	ErrRequestNotFound     = errors.New("request not found")
	ErrProjectNotFound     = errors.New("project not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInvalidQuantity     = errors.New("invalid quantity")
	ErrNoApproverAvailable = errors.New("no approver available")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrInvalidDecision     = errors.New("invalid decision")
	ErrDuplicateRequest    = errors.New("duplicate request")
	ErrAmbiguousIdentifier = errors.New("ambiguous identifier")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrLedgerInconsistent  = errors.New("ledger inconsistent")
)
