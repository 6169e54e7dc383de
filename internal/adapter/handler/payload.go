package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cie-portal/reservation-engine/internal/core/domain"
	"github.com/cie-portal/reservation-engine/internal/core/service"
)

// ReservationCommands is the write side both transports drive.
type ReservationCommands interface {
	CreateRequest(ctx context.Context, in service.CreateInput) (domain.Request, error)
	Decide(ctx context.Context, in service.DecideInput) (domain.Request, error)
	Collect(ctx context.Context, requestID string) (domain.Request, error)
	Return(ctx context.Context, requestID string) (domain.Request, error)
	Cancel(ctx context.Context, requestID, requester string) (domain.Request, error)
}

// ReservationQueries is the read side both transports drive.
type ReservationQueries interface {
	ListForRequester(ctx context.Context, identifier string, statuses ...domain.Status) ([]service.RequestView, error)
	ListForApprover(ctx context.Context, identifier string, statuses ...domain.Status) ([]service.RequestView, error)
	ListForResource(ctx context.Context, ref domain.ResourceRef, statuses ...domain.Status) ([]service.RequestView, error)
	Stock(ctx context.Context, ref domain.ResourceRef) (domain.StockLevel, error)
}

// CreateRequestBody is the payload for creating a reservation request. The requester is the caller
// identified by the transport (X-User-Id header or x-user-id metadata), never a body field.
type CreateRequestBody struct {
	ResourceKind   string      `json:"resource_kind"`
	ResourceID     string      `json:"resource_id"`
	Quantity       json.Number `json:"quantity"`
	Purpose        string      `json:"purpose,omitempty"`
	Notes          string      `json:"notes,omitempty"`
	RequiredBy     string      `json:"required_by,omitempty"`
	ProjectID      string      `json:"project_id,omitempty"`
	ApproverID     string      `json:"approver_id,omitempty"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
}

// input validates the body and converts it for the service. The returned code names the failed field.
func (b CreateRequestBody) input(requester string) (service.CreateInput, string, error) {
	if requester == "" {
		return service.CreateInput{}, codeMissingIdentity, fmt.Errorf("requester is required")
	}
	if b.ResourceKind == "" || b.ResourceID == "" {
		return service.CreateInput{}, codeMissingRequiredField, fmt.Errorf("resource_kind and resource_id are required")
	}
	kind, err := domain.ParseResourceKind(b.ResourceKind)
	if err != nil {
		return service.CreateInput{}, codeResourceNotFound, err
	}

	qty, err := b.Quantity.Int64()
	if err != nil || qty <= 0 || qty > int64(^uint32(0)>>1) {
		return service.CreateInput{}, codeInvalidQuantity, domain.ErrInvalidQuantity
	}

	var requiredBy *time.Time
	if b.RequiredBy != "" {
		parsed, err := time.Parse(time.RFC3339, b.RequiredBy)
		if err != nil {
			return service.CreateInput{}, codeInvalidRequiredBy, fmt.Errorf("invalid required_by format")
		}
		parsed = parsed.UTC()
		requiredBy = &parsed
	}

	return service.CreateInput{
		Requester:      requester,
		Resource:       domain.ResourceRef{Kind: kind, ID: b.ResourceID},
		Quantity:       int(qty),
		Purpose:        b.Purpose,
		Notes:          b.Notes,
		RequiredBy:     requiredBy,
		ProjectID:      b.ProjectID,
		ApproverID:     b.ApproverID,
		IdempotencyKey: b.IdempotencyKey,
	}, "", nil
}

type DecisionBody struct {
	Decision string `json:"decision"`
	Notes    string `json:"notes,omitempty"`
}

// RequestPayload is a reservation request as returned by both transports.
type RequestPayload struct {
	ID            string     `json:"id"`
	RequesterKind string     `json:"requester_kind"`
	RequesterID   string     `json:"requester_id"`
	ResourceKind  string     `json:"resource_kind"`
	ResourceID    string     `json:"resource_id"`
	Quantity      int        `json:"quantity"`
	Purpose       string     `json:"purpose,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	ProjectID     string     `json:"project_id,omitempty"`
	DomainID      string     `json:"domain_id,omitempty"`
	RoutedTo      string     `json:"routed_to,omitempty"`
	ApproverID    string     `json:"approver_id,omitempty"`
	Decision      string     `json:"decision_notes,omitempty"`
	SystemNote    string     `json:"system_note,omitempty"`
	Status        string     `json:"status"`
	RequestedAt   time.Time  `json:"requested_at"`
	RequiredBy    *time.Time `json:"required_by,omitempty"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
	CollectedAt   *time.Time `json:"collected_at,omitempty"`
	ReturnedAt    *time.Time `json:"returned_at,omitempty"`
	Overdue       bool       `json:"overdue,omitempty"`
	OverdueDays   int        `json:"overdue_days,omitempty"`
}

func toPayload(r domain.Request) RequestPayload {
	p := RequestPayload{
		ID:           r.ID,
		ResourceKind: string(r.Resource.Kind),
		ResourceID:   r.Resource.ID,
		Quantity:     r.Quantity,
		Purpose:      r.Purpose,
		Notes:        r.Notes,
		ProjectID:    r.ProjectID,
		DomainID:     r.DomainID,
		RoutedTo:     r.RoutedTo,
		ApproverID:   r.ApproverID,
		Decision:     r.Decision,
		SystemNote:   r.SystemNote,
		Status:       string(r.Status),
		RequestedAt:  r.RequestedAt,
		RequiredBy:   r.RequiredBy,
		DecidedAt:    r.DecidedAt,
		CollectedAt:  r.CollectedAt,
		ReturnedAt:   r.ReturnedAt,
	}
	if r.Requester != nil {
		p.RequesterKind = string(r.Requester.Kind())
		p.RequesterID = r.Requester.ID()
	}
	return p
}

func viewPayloads(views []service.RequestView) []RequestPayload {
	out := make([]RequestPayload, 0, len(views))
	for _, v := range views {
		p := toPayload(v.Request)
		p.Overdue = v.Overdue
		p.OverdueDays = v.OverdueDays
		out = append(out, p)
	}
	return out
}

type ListPayload struct {
	Requests []RequestPayload `json:"requests"`
}

type StockPayload struct {
	ResourceKind string `json:"resource_kind"`
	ResourceID   string `json:"resource_id"`
	Total        int    `json:"total"`
	Available    int    `json:"available"`
	Held         int    `json:"held"`
}

func toStockPayload(s domain.StockLevel) StockPayload {
	return StockPayload{
		ResourceKind: string(s.Ref.Kind),
		ResourceID:   s.Ref.ID,
		Total:        s.Total,
		Available:    s.Available,
		Held:         s.Held,
	}
}

// parseStatuses accepts repeated values and comma-separated lists, case-insensitively.
func parseStatuses(values []string) ([]domain.Status, error) {
	var out []domain.Status
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			st, ok := domain.ParseStatus(strings.ToUpper(part))
			if !ok {
				return nil, fmt.Errorf("unknown status %q", part)
			}
			out = append(out, st)
		}
	}
	return out, nil
}
