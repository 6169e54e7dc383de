package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/cie-portal/reservation-engine/internal/clock"
	"github.com/cie-portal/reservation-engine/internal/core/domain"
	"github.com/cie-portal/reservation-engine/internal/port"
)

const (
	DefaultGracePeriod   = 2 * time.Minute
	idempotencyKeyPrefix = "reservation:"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ReservationService is the only component allowed to move ledger quantities. Every quantity change
// is committed in the same transaction as the status write that causes it.
type ReservationService struct {
	store    port.Store
	dir      port.Directory
	router   *DomainRouter
	idem     port.IdempotencyStore
	clock    clock.Clock
	grace    time.Duration
	expiring map[domain.ResourceKind]bool
	logger   *log.Logger
}

type Option func(*ReservationService)

// WithGracePeriod sets how long an approval may stay uncollected.
func WithGracePeriod(d time.Duration) Option {
	return func(s *ReservationService) {
		if d > 0 {
			s.grace = d
		}
	}
}

func WithIdempotencyStore(idem port.IdempotencyStore) Option {
	return func(s *ReservationService) { s.idem = idem }
}

func WithLogger(logger *log.Logger) Option {
	return func(s *ReservationService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithRouter(router *DomainRouter) Option {
	return func(s *ReservationService) { s.router = router }
}

// WithComponentExpiry makes uncollected component approvals lapse to OVERDUE as well.
func WithComponentExpiry(enabled bool) Option {
	return func(s *ReservationService) { s.expiring[domain.ResourceKindComponent] = enabled }
}

func NewReservationService(store port.Store, dir port.Directory, clk clock.Clock, opts ...Option) *ReservationService {
	s := &ReservationService{
		store:    store,
		dir:      dir,
		router:   NewDomainRouter(dir),
		clock:    clk,
		grace:    DefaultGracePeriod,
		expiring: map[domain.ResourceKind]bool{domain.ResourceKindLibrary: true},
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ReservationService) GracePeriod() time.Duration {
	return s.grace
}

// ExpiringKinds lists the resource kinds whose approvals lapse after the grace period.
func (s *ReservationService) ExpiringKinds() []domain.ResourceKind {
	var kinds []domain.ResourceKind
	for _, k := range []domain.ResourceKind{domain.ResourceKindLibrary, domain.ResourceKindComponent} {
		if s.expiring[k] {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

type CreateInput struct {
	Requester  string
	Resource   domain.ResourceRef
	Quantity   int
	Purpose    string
	Notes      string
	RequiredBy *time.Time
	ProjectID  string
	// ApproverID names the approving faculty when the requesting context supplies one.
	ApproverID     string
	IdempotencyKey string
}

func (s *ReservationService) CreateRequest(ctx context.Context, in CreateInput) (req domain.Request, err error) {
	if in.Quantity <= 0 {
		return domain.Request{}, domain.ErrInvalidQuantity
	}

	ident, err := s.dir.ResolveIdentity(ctx, in.Requester)
	if err != nil {
		return domain.Request{}, err
	}
	requester, err := ident.Requester()
	if err != nil {
		return domain.Request{}, fmt.Errorf("%w: %s cannot request resources", err, ident.Kind)
	}

	if s.idem != nil && in.IdempotencyKey != "" {
		key := idempotencyKey(requester, in.IdempotencyKey)
		claimed, claimErr := s.idem.SetIdempotency(ctx, key)
		if claimErr != nil {
			return domain.Request{}, fmt.Errorf("idempotency check failed: %w", claimErr)
		}
		if !claimed {
			return domain.Request{}, domain.ErrDuplicateRequest
		}
		defer func() {
			if err == nil {
				return
			}
			if relErr := s.idem.ReleaseIdempotency(context.WithoutCancel(ctx), key); relErr != nil {
				s.logger.Printf("reservation: release idempotency key=%s: %v", key, relErr)
			}
		}()
	}

	resource, err := s.store.GetResource(ctx, in.Resource)
	if err != nil {
		return domain.Request{}, err
	}
	if in.Quantity > resource.TotalQuantity {
		return domain.Request{}, domain.ErrInsufficientStock
	}

	projectID := in.ProjectID
	if resource.Ref.Kind == domain.ResourceKindLibrary {
		projectID = ""
	}

	route, err := s.router.Resolve(ctx, RouteContext{
		Resource:     resource,
		Requester:    requester,
		ProjectID:    projectID,
		ApproverHint: in.ApproverID,
	})
	if err != nil {
		return domain.Request{}, err
	}

	now := s.clock.Now()
	req = domain.Request{
		ID:          uuid.NewString(),
		Requester:   requester,
		Resource:    resource.Ref,
		Quantity:    in.Quantity,
		Purpose:     in.Purpose,
		Notes:       in.Notes,
		ProjectID:   projectID,
		DomainID:    resource.DomainID,
		RoutedTo:    route.Approver,
		Status:      domain.StatusPending,
		RequestedAt: now,
		RequiredBy:  in.RequiredBy,
		UpdatedAt:   now,
	}
	if resource.Ref.Kind.AutoApproves() {
		req.Status = domain.StatusApproved
		req.DecidedAt = &now
		req.Decision = domain.AutoApprovedNote
	}

	// Reserve first: it locks the resource, which also serializes the duplicate check below.
	err = s.store.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.store.Reserve(txCtx, resource.Ref, in.Quantity); err != nil {
			return err
		}
		if projectID != "" {
			active, err := s.store.HasActiveRequest(txCtx, requester, resource.Ref, projectID)
			if err != nil {
				return err
			}
			if active {
				return domain.ErrDuplicateRequest
			}
		}
		return s.store.CreateRequest(txCtx, req)
	})
	if err != nil {
		return domain.Request{}, err
	}

	s.logger.Printf("reservation: created request=%s resource=%s quantity=%d status=%s", req.ID, req.Resource, req.Quantity, req.Status)
	return req, nil
}

// idempotencyKey scopes a client key to its requester so that equal keys from different callers never collide.
func idempotencyKey(r domain.Requester, clientKey string) string {
	return idempotencyKeyPrefix + string(r.Kind()) + ":" + r.ID() + ":" + clientKey
}

type DecideInput struct {
	RequestID string
	Approver  string
	Decision  Decision
	Notes     string
}

func (s *ReservationService) Decide(ctx context.Context, in DecideInput) (domain.Request, error) {
	var to domain.Status
	switch in.Decision {
	case DecisionApprove:
		to = domain.StatusApproved
	case DecisionReject:
		to = domain.StatusRejected
	default:
		return domain.Request{}, fmt.Errorf("%w: %q", domain.ErrInvalidDecision, in.Decision)
	}

	approver, err := s.dir.ResolveIdentity(ctx, in.Approver)
	if err != nil {
		return domain.Request{}, err
	}

	req, err := s.store.GetRequest(ctx, in.RequestID)
	if err != nil {
		return domain.Request{}, err
	}
	if req.Status != domain.StatusPending {
		return domain.Request{}, fmt.Errorf("%w: request is %s", domain.ErrInvalidTransition, req.Status)
	}
	if err := s.router.Authorize(ctx, req, approver); err != nil {
		return domain.Request{}, err
	}

	return s.transition(ctx, req, domain.Transition{
		RequestID:  req.ID,
		From:       domain.StatusPending,
		To:         to,
		At:         s.clock.Now(),
		ApproverID: approver.ID,
		Note:       in.Notes,
	})
}

func (s *ReservationService) Collect(ctx context.Context, requestID string) (domain.Request, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if s.stale(req) {
		if _, err := s.Expire(ctx, req.ID); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			return domain.Request{}, err
		}
		return domain.Request{}, fmt.Errorf("%w: reservation lapsed before collection", domain.ErrInvalidTransition)
	}

	return s.transition(ctx, req, domain.Transition{
		RequestID: req.ID,
		From:      domain.StatusApproved,
		To:        domain.StatusCollected,
		At:        s.clock.Now(),
	})
}

func (s *ReservationService) Return(ctx context.Context, requestID string) (domain.Request, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	return s.transition(ctx, req, domain.Transition{
		RequestID: req.ID,
		From:      domain.StatusCollected,
		To:        domain.StatusReturned,
		At:        s.clock.Now(),
	})
}

// Cancel withdraws a request that has not been collected yet. Only its requester may cancel it.
func (s *ReservationService) Cancel(ctx context.Context, requestID, requester string) (domain.Request, error) {
	ident, err := s.dir.ResolveIdentity(ctx, requester)
	if err != nil {
		return domain.Request{}, err
	}
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if !ident.Owns(req.Requester) {
		return domain.Request{}, domain.ErrUnauthorized
	}
	return s.transition(ctx, req, domain.Transition{
		RequestID: req.ID,
		From:      req.Status,
		To:        domain.StatusCancelled,
		At:        s.clock.Now(),
		Note:      "cancelled by requester",
	})
}

// Expire lapses an approval that was not collected within the grace period. It is only driven by
// the sweeper and by Collect; a request that already moved on is reported as ErrInvalidTransition.
func (s *ReservationService) Expire(ctx context.Context, requestID string) (domain.Request, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if !s.stale(req) {
		return domain.Request{}, fmt.Errorf("%w: request %s is not expirable", domain.ErrInvalidTransition, req.ID)
	}

	now := s.clock.Now()
	return s.transition(ctx, req, domain.Transition{
		RequestID:     req.ID,
		From:          domain.StatusApproved,
		To:            req.Resource.Kind.ExpiredStatus(),
		At:            now,
		Note:          fmt.Sprintf("automatically expired: not collected within %s of approval", s.grace),
		DecidedBefore: now.Add(-s.grace),
	})
}

func (s *ReservationService) stale(req domain.Request) bool {
	if req.Status != domain.StatusApproved || req.DecidedAt == nil || !s.expiring[req.Resource.Kind] {
		return false
	}
	return !req.DecidedAt.After(s.clock.Now().Add(-s.grace))
}

func (s *ReservationService) transition(ctx context.Context, req domain.Request, t domain.Transition) (domain.Request, error) {
	if !t.From.CanTransitionTo(t.To) {
		return domain.Request{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, t.From, t.To)
	}

	err := s.store.WithTx(ctx, func(txCtx context.Context) error {
		ok, err := s.store.ApplyTransition(txCtx, t)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: request %s is no longer %s", domain.ErrInvalidTransition, t.RequestID, t.From)
		}
		if t.To.RestoresStock() {
			return s.store.Release(txCtx, req.Resource, req.Quantity)
		}
		return nil
	})
	if err != nil {
		return domain.Request{}, err
	}

	s.logger.Printf("reservation: request=%s %s -> %s", t.RequestID, t.From, t.To)
	return s.store.GetRequest(ctx, t.RequestID)
}
