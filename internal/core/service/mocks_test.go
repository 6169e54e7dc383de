package service

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cie-portal/reservation-engine/internal/clock"
	"github.com/cie-portal/reservation-engine/internal/core/domain"
)

var (
	t0       = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	widget   = domain.ResourceRef{Kind: domain.ResourceKindComponent, ID: "widget"}
	textbook = domain.ResourceRef{Kind: domain.ResourceKindLibrary, ID: "textbook"}
)

type txMarker struct{}

// mockStore is an in-memory port.Store. A transaction holds the store lock for its whole
// duration and restores a snapshot if fn fails.
type mockStore struct {
	mu        sync.Mutex
	resources map[domain.ResourceRef]*domain.Resource
	requests  map[string]domain.Request

	failTransitions error
	transitions     int
	releases        int
}

func newMockStore(resources ...domain.Resource) *mockStore {
	s := &mockStore{
		resources: make(map[domain.ResourceRef]*domain.Resource),
		requests:  make(map[string]domain.Request),
	}
	for _, r := range resources {
		r := r
		if r.Ref.Kind.Strategy() == domain.LedgerStoredCounter && r.AvailableQuantity == 0 {
			r.AvailableQuantity = r.TotalQuantity
		}
		s.resources[r.Ref] = &r
	}
	return s
}

func (s *mockStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txMarker{}) != nil {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resources := make(map[domain.ResourceRef]*domain.Resource, len(s.resources))
	for k, v := range s.resources {
		cp := *v
		resources[k] = &cp
	}
	requests := make(map[string]domain.Request, len(s.requests))
	for k, v := range s.requests {
		requests[k] = v
	}

	if err := fn(context.WithValue(ctx, txMarker{}, true)); err != nil {
		s.resources, s.requests = resources, requests
		return err
	}
	return nil
}

// locked runs fn under the store lock unless ctx already belongs to a transaction.
func (s *mockStore) locked(ctx context.Context, fn func()) {
	if ctx.Value(txMarker{}) == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	fn()
}

func (s *mockStore) held(ref domain.ResourceRef) int {
	n := 0
	for _, r := range s.requests {
		if r.Resource == ref && r.Status.HoldsStock() {
			n += r.Quantity
		}
	}
	return n
}

func (s *mockStore) view(ref domain.ResourceRef) (domain.Resource, error) {
	r, ok := s.resources[ref]
	if !ok {
		return domain.Resource{}, fmt.Errorf("%w: %s", domain.ErrResourceNotFound, ref)
	}
	out := *r
	if ref.Kind.Strategy() == domain.LedgerDerived {
		out.AvailableQuantity = r.TotalQuantity - s.held(ref)
	}
	return out, nil
}

func (s *mockStore) GetResource(ctx context.Context, ref domain.ResourceRef) (res domain.Resource, err error) {
	s.locked(ctx, func() { res, err = s.view(ref) })
	return res, err
}

func (s *mockStore) Reserve(ctx context.Context, ref domain.ResourceRef, quantity int) (err error) {
	s.locked(ctx, func() {
		var res domain.Resource
		if res, err = s.view(ref); err != nil {
			return
		}
		if res.AvailableQuantity < quantity {
			err = domain.ErrInsufficientStock
			return
		}
		if ref.Kind.Strategy() == domain.LedgerStoredCounter {
			s.resources[ref].AvailableQuantity -= quantity
		}
	})
	return err
}

func (s *mockStore) Release(ctx context.Context, ref domain.ResourceRef, quantity int) (err error) {
	s.locked(ctx, func() {
		s.releases++
		if ref.Kind.Strategy() != domain.LedgerStoredCounter {
			return
		}
		r := s.resources[ref]
		if r.AvailableQuantity+quantity > r.TotalQuantity {
			err = domain.ErrLedgerInconsistent
			return
		}
		r.AvailableQuantity += quantity
	})
	return err
}

func (s *mockStore) Stock(ctx context.Context, ref domain.ResourceRef) (level domain.StockLevel, err error) {
	s.locked(ctx, func() {
		var res domain.Resource
		if res, err = s.view(ref); err != nil {
			return
		}
		level = domain.StockLevel{Ref: ref, Total: res.TotalQuantity, Available: res.AvailableQuantity, Held: s.held(ref)}
	})
	return level, err
}

func (s *mockStore) CreateRequest(ctx context.Context, req domain.Request) error {
	s.locked(ctx, func() { s.requests[req.ID] = req })
	return nil
}

func (s *mockStore) GetRequest(ctx context.Context, id string) (req domain.Request, err error) {
	s.locked(ctx, func() {
		var ok bool
		if req, ok = s.requests[id]; !ok {
			err = fmt.Errorf("%w: %s", domain.ErrRequestNotFound, id)
		}
	})
	return req, err
}

func (s *mockStore) ApplyTransition(ctx context.Context, t domain.Transition) (ok bool, err error) {
	s.locked(ctx, func() {
		if s.failTransitions != nil {
			err = s.failTransitions
			return
		}
		req, found := s.requests[t.RequestID]
		if !found || req.Status != t.From {
			return
		}
		if !t.DecidedBefore.IsZero() && (req.DecidedAt == nil || req.DecidedAt.After(t.DecidedBefore)) {
			return
		}

		at := t.At
		req.Status = t.To
		req.UpdatedAt = at
		switch t.To {
		case domain.StatusApproved, domain.StatusRejected:
			req.ApproverID, req.Decision, req.DecidedAt = t.ApproverID, t.Note, &at
		case domain.StatusCollected:
			req.CollectedAt = &at
		case domain.StatusReturned:
			req.ReturnedAt = &at
		default:
			req.SystemNote = t.Note
		}
		s.requests[t.RequestID] = req
		s.transitions++
		ok = true
	})
	return ok, err
}

func (s *mockStore) HasActiveRequest(ctx context.Context, requester domain.Requester, ref domain.ResourceRef, projectID string) (active bool, err error) {
	s.locked(ctx, func() {
		for _, r := range s.requests {
			if r.Requester == requester && r.Resource == ref && r.ProjectID == projectID && r.Status.HoldsStock() {
				active = true
				return
			}
		}
	})
	return active, nil
}

func (s *mockStore) ListRequests(ctx context.Context, f domain.RequestFilter) (out []domain.Request, err error) {
	s.locked(ctx, func() {
		for _, r := range s.requests {
			if !f.All {
				match := (f.Requester != nil && r.Requester == f.Requester) ||
					(f.RoutedTo != "" && r.RoutedTo == f.RoutedTo) ||
					(r.DomainID != "" && contains(f.DomainIDs, r.DomainID))
				if !match {
					continue
				}
			}
			if f.Resource != nil && r.Resource != *f.Resource {
				continue
			}
			if len(f.Statuses) > 0 && !containsStatus(f.Statuses, r.Status) {
				continue
			}
			out = append(out, r)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	return out, nil
}

func (s *mockStore) ListExpirable(ctx context.Context, kind domain.ResourceKind, cutoff time.Time) (ids []string, err error) {
	s.locked(ctx, func() {
		for _, r := range s.requests {
			if r.Resource.Kind == kind && r.Status == domain.StatusApproved && r.DecidedAt != nil && !r.DecidedAt.After(cutoff) {
				ids = append(ids, r.ID)
			}
		}
	})
	sort.Strings(ids)
	return ids, nil
}

func containsStatus(list []domain.Status, s domain.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// mockDirectory resolves identifiers from fixed tables.
type mockDirectory struct {
	identities   map[string]domain.Identity
	coordinators map[string][]string
	projects     map[string]domain.Project
	err          error
}

func newMockDirectory() *mockDirectory {
	d := &mockDirectory{
		identities:   make(map[string]domain.Identity),
		coordinators: make(map[string][]string),
		projects:     make(map[string]domain.Project),
	}
	d.add(domain.Identity{Kind: domain.IdentityAdmin, ID: "u-admin", UserID: "u-admin"})
	d.add(domain.Identity{Kind: domain.IdentityStudent, ID: "s-1", UserID: "u-s1"})
	d.add(domain.Identity{Kind: domain.IdentityStudent, ID: "s-2", UserID: "u-s2"})
	d.add(domain.Identity{Kind: domain.IdentityFaculty, ID: "f-1", UserID: "u-f1"})
	d.add(domain.Identity{Kind: domain.IdentityFaculty, ID: "f-2", UserID: "u-f2"})
	d.coordinators["d-lab"] = []string{"f-1"}
	d.projects["p-1"] = domain.Project{ID: "p-1", CreatedByFaculty: "f-2"}
	d.projects["p-orphan"] = domain.Project{ID: "p-orphan"}
	return d
}

func (d *mockDirectory) add(ident domain.Identity) {
	d.identities[ident.ID] = ident
	d.identities[ident.UserID] = ident
}

func (d *mockDirectory) ResolveIdentity(_ context.Context, identifier string) (domain.Identity, error) {
	if d.err != nil {
		return domain.Identity{}, d.err
	}
	ident, ok := d.identities[identifier]
	if !ok {
		return domain.Identity{}, fmt.Errorf("%w: %q", domain.ErrAmbiguousIdentifier, identifier)
	}
	return ident, nil
}

func (d *mockDirectory) CoordinatorsFor(_ context.Context, domainID string) ([]string, error) {
	return d.coordinators[domainID], d.err
}

func (d *mockDirectory) DomainsCoordinatedBy(_ context.Context, facultyID string) ([]string, error) {
	var out []string
	for dom, ids := range d.coordinators {
		if contains(ids, facultyID) {
			out = append(out, dom)
		}
	}
	sort.Strings(out)
	return out, d.err
}

func (d *mockDirectory) ApproverForProject(_ context.Context, projectID string) (string, error) {
	p, ok := d.projects[projectID]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrProjectNotFound, projectID)
	}
	return p.Owner(), nil
}

func (d *mockDirectory) IsFaculty(_ context.Context, id string) (bool, error) {
	ident, ok := d.identities[id]
	return ok && ident.Kind == domain.IdentityFaculty && ident.ID == id, nil
}

// mockIdempotency is a mutex-guarded key set.
type mockIdempotency struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMockIdempotency() *mockIdempotency {
	return &mockIdempotency{keys: make(map[string]bool)}
}

func (m *mockIdempotency) SetIdempotency(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func (m *mockIdempotency) ReleaseIdempotency(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type fixture struct {
	store *mockStore
	dir   *mockDirectory
	clock *clock.Manual
	svc   *ReservationService
	query *QueryService
}

func newFixture(opts ...Option) *fixture {
	f := &fixture{
		store: newMockStore(
			domain.Resource{Ref: widget, Name: "Widget", TotalQuantity: 5, DomainID: "d-lab"},
			domain.Resource{Ref: domain.ResourceRef{Kind: domain.ResourceKindComponent, ID: "loose"}, Name: "Loose part", TotalQuantity: 4},
			domain.Resource{Ref: textbook, Name: "Textbook", TotalQuantity: 3},
		),
		dir:   newMockDirectory(),
		clock: clock.NewManual(t0),
	}
	opts = append([]Option{WithLogger(log.New(io.Discard, "", 0))}, opts...)
	f.svc = NewReservationService(f.store, f.dir, f.clock, opts...)
	f.query = NewQueryService(f.store, f.dir, NewSweeper(f.svc), f.clock)
	return f
}

func (f *fixture) available(ref domain.ResourceRef) int {
	level, _ := f.store.Stock(context.Background(), ref)
	return level.Available
}
