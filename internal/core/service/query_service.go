package service

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/cie-portal/reservation-engine/internal/clock"
	"github.com/cie-portal/reservation-engine/internal/core/domain"
	"github.com/cie-portal/reservation-engine/internal/port"
)

// RequestView is a request as dashboards see it.
type RequestView struct {
	domain.Request
	Overdue     bool
	OverdueDays int
}

// QueryService serves read-side projections. It never changes quantities itself; the sweep it
// triggers goes through ReservationService.
type QueryService struct {
	store   port.Store
	dir     port.Directory
	sweeper *Sweeper
	clock   clock.Clock
	logger  *log.Logger
}

func NewQueryService(store port.Store, dir port.Directory, sweeper *Sweeper, clk clock.Clock) *QueryService {
	return &QueryService{
		store:   store,
		dir:     dir,
		sweeper: sweeper,
		clock:   clk,
		logger:  sweeper.logger,
	}
}

// ListForRequester returns the caller's own requests; admins see every request.
func (q *QueryService) ListForRequester(ctx context.Context, identifier string, statuses ...domain.Status) ([]RequestView, error) {
	ident, err := q.dir.ResolveIdentity(ctx, identifier)
	if err != nil {
		return nil, err
	}

	filter := domain.RequestFilter{Statuses: statuses}
	if ident.Kind == domain.IdentityAdmin {
		filter.All = true
	} else {
		requester, err := ident.Requester()
		if err != nil {
			return nil, err
		}
		filter.Requester = requester
	}
	return q.list(ctx, filter)
}

// ListForApprover returns requests the caller may decide: those in domains they coordinate and
// those routed to them as the fallback approver.
func (q *QueryService) ListForApprover(ctx context.Context, identifier string, statuses ...domain.Status) ([]RequestView, error) {
	ident, err := q.dir.ResolveIdentity(ctx, identifier)
	if err != nil {
		return nil, err
	}

	filter := domain.RequestFilter{Statuses: statuses}
	switch ident.Kind {
	case domain.IdentityAdmin:
		filter.All = true
	case domain.IdentityFaculty:
		domains, err := q.dir.DomainsCoordinatedBy(ctx, ident.ID)
		if err != nil {
			return nil, err
		}
		filter.DomainIDs = domains
		filter.RoutedTo = ident.ID
	default:
		return nil, domain.ErrUnauthorized
	}
	return q.list(ctx, filter)
}

// ListForResource returns every request against ref, whoever made or routes it.
func (q *QueryService) ListForResource(ctx context.Context, ref domain.ResourceRef, statuses ...domain.Status) ([]RequestView, error) {
	if _, err := q.store.GetResource(ctx, ref); err != nil {
		return nil, err
	}
	return q.list(ctx, domain.RequestFilter{All: true, Resource: &ref, Statuses: statuses})
}

func (q *QueryService) AvailableQuantity(ctx context.Context, ref domain.ResourceRef) (int, error) {
	stock, err := q.Stock(ctx, ref)
	if err != nil {
		return 0, err
	}
	return stock.Available, nil
}

func (q *QueryService) Stock(ctx context.Context, ref domain.ResourceRef) (domain.StockLevel, error) {
	q.sweep(ctx)
	return q.store.Stock(ctx, ref)
}

func (q *QueryService) list(ctx context.Context, filter domain.RequestFilter) ([]RequestView, error) {
	q.sweep(ctx)

	reqs, err := q.store.ListRequests(ctx, filter)
	if err != nil {
		return nil, err
	}

	now := q.clock.Now()
	views := make([]RequestView, 0, len(reqs))
	for _, r := range reqs {
		views = append(views, project(r, now))
	}
	return views, nil
}

// sweep failures leave listings slightly stale but never inconsistent, so they are only logged.
func (q *QueryService) sweep(ctx context.Context) {
	if _, err := q.sweeper.Sweep(ctx); err != nil {
		q.logger.Printf("query: expiry sweep failed: %v", err)
	}
}

func project(r domain.Request, now time.Time) RequestView {
	v := RequestView{Request: r}
	if r.Status == domain.StatusCollected && r.RequiredBy != nil && now.After(*r.RequiredBy) {
		v.Overdue = true
		v.OverdueDays = int(math.Ceil(now.Sub(*r.RequiredBy).Hours() / 24))
	}
	return v
}
