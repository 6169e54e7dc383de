package port

import (
	"context"
	"time"

	"github.com/cie-portal/reservation-engine/internal/core/domain"
)

// LedgerRepository owns resource quantities. Only the reservation state machine calls the mutators.
type LedgerRepository interface {
	// GetResource loads a resource with its current availability
	GetResource(ctx context.Context, ref domain.ResourceRef) (domain.Resource, error)

	// Reserve takes quantity units, failing with ErrInsufficientStock rather than overselling
	Reserve(ctx context.Context, ref domain.ResourceRef, quantity int) error

	// Release gives quantity units back after a request leaves a held status
	Release(ctx context.Context, ref domain.ResourceRef, quantity int) error

	// Stock reads total, available and held quantities for invariant checks
	Stock(ctx context.Context, ref domain.ResourceRef) (domain.StockLevel, error)
}

type RequestRepository interface {
	CreateRequest(ctx context.Context, req domain.Request) error

	GetRequest(ctx context.Context, id string) (domain.Request, error)

	// ApplyTransition performs a conditional status update, returns false if no row matched
	ApplyTransition(ctx context.Context, t domain.Transition) (bool, error)

	// HasActiveRequest reports whether the requester already holds stock of ref for the project
	HasActiveRequest(ctx context.Context, requester domain.Requester, ref domain.ResourceRef, projectID string) (bool, error)

	ListRequests(ctx context.Context, filter domain.RequestFilter) ([]domain.Request, error)

	// ListExpirable returns APPROVED requests of kind decided at or before cutoff
	ListExpirable(ctx context.Context, kind domain.ResourceKind, cutoff time.Time) ([]string, error)
}

// Store groups both repositories behind a single transactional boundary.
type Store interface {
	LedgerRepository
	RequestRepository

	// WithTx runs fn in one transaction; repository calls made with the ctx passed to fn join it
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
