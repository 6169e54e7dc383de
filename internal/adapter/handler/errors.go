package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/cie-portal/reservation-engine/internal/core/domain"
)

const (
	codeNotFound             = "not_found"
	codeInvalidRequestBody   = "invalid_request_body"
	codeMissingRequiredField = "missing_required_field"
	codeMissingIdentity      = "missing_identity"
	codeInvalidRequiredBy    = "invalid_required_by"
	codeInvalidStatus        = "invalid_status"
	codeInvalidQuantity      = "invalid_quantity"
	codeInvalidDecision      = "invalid_decision"
	codeResourceNotFound     = "resource_not_found"
	codeRequestNotFound      = "request_not_found"
	codeProjectNotFound      = "project_not_found"
	codeInsufficientStock    = "insufficient_stock"
	codeNoApproverAvailable  = "no_approver_available"
	codeForbidden            = "forbidden"
	codeInvalidTransition    = "invalid_transition"
	codeDuplicateRequest     = "duplicate_request"
	codeAmbiguousIdentifier  = "ambiguous_identifier"
	codeStorageUnavailable   = "storage_unavailable"
	codeInternalError        = "internal_error"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{
		Error: msg,
		Code:  code,
	})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorMapping struct {
	target error
	status int
	code   string
	grpc   codes.Code
}

var errorMappings = []errorMapping{
	{domain.ErrResourceNotFound, http.StatusNotFound, codeResourceNotFound, codes.NotFound},
	{domain.ErrRequestNotFound, http.StatusNotFound, codeRequestNotFound, codes.NotFound},
	{domain.ErrProjectNotFound, http.StatusNotFound, codeProjectNotFound, codes.NotFound},
	{domain.ErrInsufficientStock, http.StatusConflict, codeInsufficientStock, codes.ResourceExhausted},
	{domain.ErrInvalidQuantity, http.StatusBadRequest, codeInvalidQuantity, codes.InvalidArgument},
	{domain.ErrInvalidDecision, http.StatusBadRequest, codeInvalidDecision, codes.InvalidArgument},
	{domain.ErrNoApproverAvailable, http.StatusUnprocessableEntity, codeNoApproverAvailable, codes.FailedPrecondition},
	{domain.ErrUnauthorized, http.StatusForbidden, codeForbidden, codes.PermissionDenied},
	{domain.ErrInvalidTransition, http.StatusConflict, codeInvalidTransition, codes.FailedPrecondition},
	{domain.ErrDuplicateRequest, http.StatusConflict, codeDuplicateRequest, codes.AlreadyExists},
	{domain.ErrAmbiguousIdentifier, http.StatusBadRequest, codeAmbiguousIdentifier, codes.InvalidArgument},
	{domain.ErrStorageUnavailable, http.StatusServiceUnavailable, codeStorageUnavailable, codes.Unavailable},
}

// classify maps a service error to its transport representation. Unknown errors are internal
// and their text is not exposed.
func classify(err error) (errorMapping, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m, err.Error()
		}
	}
	return errorMapping{status: http.StatusInternalServerError, code: codeInternalError, grpc: codes.Internal}, "internal error"
}

func writeServiceError(w http.ResponseWriter, err error) {
	m, msg := classify(err)
	writeError(w, m.status, m.code, msg)
}
