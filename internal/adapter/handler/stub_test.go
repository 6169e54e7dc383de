package handler

import (
	"context"
	"sync"
	"time"

	"github.com/cie-portal/reservation-engine/internal/core/domain"
	"github.com/cie-portal/reservation-engine/internal/core/service"
)

var stubNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func stubRequest(status domain.Status) domain.Request {
	return domain.Request{
		ID:          "req-123",
		Requester:   domain.StudentRequester{StudentID: "s-1"},
		Resource:    domain.ResourceRef{Kind: domain.ResourceKindComponent, ID: "widget"},
		Quantity:    2,
		Status:      status,
		RequestedAt: stubNow,
		UpdatedAt:   stubNow,
	}
}

// stubEngine records the last call and returns canned results.
type stubEngine struct {
	mu       sync.Mutex
	err      error
	request  domain.Request
	views    []service.RequestView
	stock    domain.StockLevel
	create   service.CreateInput
	decide   service.DecideInput
	caller   string
	statuses []domain.Status
}

func (s *stubEngine) record(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

func (s *stubEngine) CreateRequest(_ context.Context, in service.CreateInput) (domain.Request, error) {
	s.record(func() { s.create = in })
	return s.request, s.err
}

func (s *stubEngine) Decide(_ context.Context, in service.DecideInput) (domain.Request, error) {
	s.record(func() { s.decide = in })
	return s.request, s.err
}

func (s *stubEngine) Collect(context.Context, string) (domain.Request, error) {
	return s.request, s.err
}

func (s *stubEngine) Return(context.Context, string) (domain.Request, error) {
	return s.request, s.err
}

func (s *stubEngine) Cancel(_ context.Context, _ string, requester string) (domain.Request, error) {
	s.record(func() { s.caller = requester })
	return s.request, s.err
}

func (s *stubEngine) ListForRequester(_ context.Context, identifier string, statuses ...domain.Status) ([]service.RequestView, error) {
	s.record(func() { s.caller, s.statuses = identifier, statuses })
	return s.views, s.err
}

func (s *stubEngine) ListForApprover(_ context.Context, identifier string, statuses ...domain.Status) ([]service.RequestView, error) {
	s.record(func() { s.caller, s.statuses = identifier, statuses })
	return s.views, s.err
}

func (s *stubEngine) ListForResource(_ context.Context, _ domain.ResourceRef, statuses ...domain.Status) ([]service.RequestView, error) {
	s.record(func() { s.statuses = statuses })
	return s.views, s.err
}

func (s *stubEngine) Stock(_ context.Context, ref domain.ResourceRef) (domain.StockLevel, error) {
	st := s.stock
	st.Ref = ref
	return st, s.err
}
