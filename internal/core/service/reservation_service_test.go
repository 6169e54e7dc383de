package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cie-portal/reservation-engine/internal/core/domain"
)

func TestCreateRequest_ComponentHoldsStockWhilePending(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	req, err := f.svc.CreateRequest(ctx, CreateInput{Requester: "u-s1", Resource: widget, Quantity: 3, Purpose: "lab"})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if req.Status != domain.StatusPending {
		t.Errorf("expected PENDING, got %s", req.Status)
	}
	if req.Requester != (domain.StudentRequester{StudentID: "s-1"}) {
		t.Errorf("expected student requester s-1, got %v", req.Requester)
	}
	if req.DomainID != "d-lab" || req.DecidedAt != nil {
		t.Errorf("unexpected request: %+v", req)
	}
	if got := f.available(widget); got != 2 {
		t.Errorf("expected available 2, got %d", got)
	}
}

func TestCreateRequest_LibraryAutoApproves(t *testing.T) {
	f := newFixture()

	req, err := f.svc.CreateRequest(context.Background(), CreateInput{
		Requester:  "s-1",
		Resource:   textbook,
		Quantity:   1,
		ProjectID:  "p-1",
		ApproverID: "f-2",
	})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if req.Status != domain.StatusApproved || req.Decision != domain.AutoApprovedNote {
		t.Errorf("expected auto-approved request, got %s %q", req.Status, req.Decision)
	}
	if req.DecidedAt == nil || !req.DecidedAt.Equal(t0) {
		t.Errorf("expected decision time %s, got %v", t0, req.DecidedAt)
	}
	if req.ProjectID != "" {
		t.Errorf("library requests carry no project, got %q", req.ProjectID)
	}
	if req.RoutedTo != "f-2" {
		t.Errorf("expected routed to f-2, got %q", req.RoutedTo)
	}
	if got := f.available(textbook); got != 2 {
		t.Errorf("expected available 2, got %d", got)
	}
}

func TestCreateRequest_Validation(t *testing.T) {
	tests := []struct {
		name string
		in   CreateInput
		want error
	}{
		{"zero quantity", CreateInput{Requester: "s-1", Resource: widget, Quantity: 0}, domain.ErrInvalidQuantity},
		{"negative quantity", CreateInput{Requester: "s-1", Resource: widget, Quantity: -2}, domain.ErrInvalidQuantity},
		{"unknown resource", CreateInput{Requester: "s-1", Resource: domain.ResourceRef{Kind: domain.ResourceKindComponent, ID: "nope"}, Quantity: 1}, domain.ErrResourceNotFound},
		{"more than total", CreateInput{Requester: "s-1", Resource: widget, Quantity: 6}, domain.ErrInsufficientStock},
		{"unknown requester", CreateInput{Requester: "ghost", Resource: widget, Quantity: 1}, domain.ErrAmbiguousIdentifier},
		{"admin cannot request", CreateInput{Requester: "u-admin", Resource: widget, Quantity: 1}, domain.ErrUnauthorized},
		{"student library without approver", CreateInput{Requester: "s-1", Resource: textbook, Quantity: 1}, domain.ErrNoApproverAvailable},
		{"loose component without project", CreateInput{Requester: "s-1", Resource: domain.ResourceRef{Kind: domain.ResourceKindComponent, ID: "loose"}, Quantity: 1}, domain.ErrNoApproverAvailable},
		{"unknown project", CreateInput{Requester: "s-1", Resource: domain.ResourceRef{Kind: domain.ResourceKindComponent, ID: "loose"}, Quantity: 1, ProjectID: "p-missing"}, domain.ErrProjectNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			_, err := f.svc.CreateRequest(context.Background(), tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got: %v", tt.want, err)
			}
			if got := f.available(widget); got != 5 {
				t.Errorf("stock must be untouched, available %d", got)
			}
		})
	}
}

func TestCreateRequest_InsufficientStockLeavesLedger(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.svc.CreateRequest(ctx, CreateInput{Requester: "s-1", Resource: widget, Quantity: 3}); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	_, err := f.svc.CreateRequest(ctx, CreateInput{Requester: "s-2", Resource: widget, Quantity: 3})
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Errorf("expected ErrInsufficientStock, got: %v", err)
	}
	if got := f.available(widget); got != 2 {
		t.Errorf("expected available 2, got %d", got)
	}
}

func TestCreateRequest_DuplicateProjectRequest(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	loose := domain.ResourceRef{Kind: domain.ResourceKindComponent, ID: "loose"}

	first, err := f.svc.CreateRequest(ctx, CreateInput{Requester: "s-1", Resource: loose, Quantity: 1, ProjectID: "p-1"})
	if err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if first.RoutedTo != "f-2" {
		t.Errorf("expected project owner f-2, got %q", first.RoutedTo)
	}

	_, err = f.svc.CreateRequest(ctx, CreateInput{Requester: "s-1", Resource: loose, Quantity: 1, ProjectID: "p-1"})
	if !errors.Is(err, domain.ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest, got: %v", err)
	}
	if got := f.available(loose); got != 3 {
		t.Errorf("duplicate must not hold stock, available %d", got)
	}

	// Another student on the same project is fine.
	if _, err := f.svc.CreateRequest(ctx, CreateInput{Requester: "s-2", Resource: loose, Quantity: 1, ProjectID: "p-1"}); err != nil {
		t.Errorf("expected second student to succeed, got: %v", err)
	}

	// Once the first request is decided negatively the student may ask again.
	if _, err := f.svc.Decide(ctx, DecideInput{RequestID: first.ID, Approver: "f-2", Decision: DecisionReject}); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if _, err := f.svc.CreateRequest(ctx, CreateInput{Requester: "s-1", Resource: loose, Quantity: 1, ProjectID: "p-1"}); err != nil {
		t.Errorf("expected re-request after rejection to succeed, got: %v", err)
	}
}

func TestCreateRequest_LibraryAllowsConcurrentLoans(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.svc.CreateRequest(ctx, CreateInput{Requester: "f-1", Resource: textbook, Quantity: 1}); err != nil {
			t.Fatalf("loan %d failed: %v", i, err)
		}
	}
	if got := f.available(textbook); got != 1 {
		t.Errorf("expected available 1, got %d", got)
	}
}

func TestCreateRequest_IdempotencyKey(t *testing.T) {
	idem := newMockIdempotency()
	f := newFixture(WithIdempotencyStore(idem))
	ctx := context.Background()

	in := CreateInput{Requester: "s-1", Resource: widget, Quantity: 1, IdempotencyKey: "k-1"}
	if _, err := f.svc.CreateRequest(ctx, in); err != nil {
		t.Fatalf("first submission failed: %v", err)
	}
	if _, err := f.svc.CreateRequest(ctx, in); !errors.Is(err, domain.ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest, got: %v", err)
	}
	if got := f.available(widget); got != 4 {
		t.Errorf("stock should only be decremented once, available %d", got)
	}

	// A failed submission frees its key so the corrected retry goes through.
	bad := CreateInput{Requester: "s-1", Resource: widget, Quantity: 9, IdempotencyKey: "k-2"}
	if _, err := f.svc.CreateRequest(ctx, bad); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got: %v", err)
	}
	bad.Quantity = 1
	if _, err := f.svc.CreateRequest(ctx, bad); err != nil {
		t.Errorf("expected retry with released key to succeed, got: %v", err)
	}
}

func TestCreateRequest_IdempotencyKeyScopedToRequester(t *testing.T) {
	idem := newMockIdempotency()
	f := newFixture(WithIdempotencyStore(idem))
	ctx := context.Background()

	for _, requester := range []string{"s-1", "s-2", "f-1"} {
		in := CreateInput{Requester: requester, Resource: widget, Quantity: 1, IdempotencyKey: "same-key"}
		if _, err := f.svc.CreateRequest(ctx, in); err != nil {
			t.Errorf("%s: expected success with a key another requester used, got: %v", requester, err)
		}
	}

	// The same requester through a different identifier is still the same caller.
	_, err := f.svc.CreateRequest(ctx, CreateInput{Requester: "u-s1", Resource: widget, Quantity: 1, IdempotencyKey: "same-key"})
	if !errors.Is(err, domain.ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest, got: %v", err)
	}

	if !idem.keys["reservation:student:s-1:same-key"] || !idem.keys["reservation:faculty:f-1:same-key"] {
		t.Errorf("expected requester-scoped keys, got %v", idem.keys)
	}
	if got := f.available(widget); got != 2 {
		t.Errorf("expected available 2, got %d", got)
	}
}

func TestCreateRequest_ConcurrentNoOversell(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var successCount, shortCount atomic.Int32
	var wg sync.WaitGroup
	concurrency := 40

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			requester := "s-1"
			if i%2 == 1 {
				requester = "s-2"
			}
			_, err := f.svc.CreateRequest(ctx, CreateInput{Requester: requester, Resource: widget, Quantity: 1 + i%2})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				shortCount.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	level, _ := f.store.Stock(ctx, widget)
	if level.Held > level.Total || !level.Consistent() {
		t.Errorf("ledger oversold: %+v", level)
	}
	if int(successCount.Load()+shortCount.Load()) != concurrency {
		t.Errorf("expected every call to either succeed or fail with InsufficientStock")
	}
}

func TestDecide_ApproveKeepsStockRejectRestores(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	a, _ := f.svc.CreateRequest(ctx, CreateInput{Requester: "s-1", Resource: widget, Quantity: 2})
	b, _ := f.svc.CreateRequest(ctx, CreateInput{Requester: "s-2", Resource: widget, Quantity: 2})

	f.clock.Advance(time.Minute)
	approved, err := f.svc.Decide(ctx, DecideInput{RequestID: a.ID, Approver: "u-f1", Decision: DecisionApprove, Notes: "go ahead"})
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if approved.Status != domain.StatusApproved || approved.ApproverID != "f-1" || approved.Decision != "go ahead" {
		t.Errorf("unexpected approval: %+v", approved)
	}
	if approved.DecidedAt == nil || !approved.DecidedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("unexpected decision time: %v", approved.DecidedAt)
	}
	if got := f.available(widget); got != 1 {
		t.Errorf("approval must not change stock, available %d", got)
	}

	rejected, err := f.svc.Decide(ctx, DecideInput{RequestID: b.ID, Approver: "f-1", Decision: DecisionReject, Notes: "not now"})
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if rejected.Status != domain.StatusRejected {
		t.Errorf("expected REJECTED, got %s", rejected.Status)
	}
	if got := f.available(widget); got != 3 {
		t.Errorf("rejection must restore stock, available %d", got)
	}
}

func TestDecide_Failures(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req, _ := f.svc.CreateRequest(ctx, CreateInput{Requester: "f-2", Resource: widget, Quantity: 1})

	if _, err := f.svc.Decide(ctx, DecideInput{RequestID: req.ID, Approver: "f-1", Decision: "maybe"}); !errors.Is(err, domain.ErrInvalidDecision) {
		t.Errorf("expected ErrInvalidDecision, got: %v", err)
	}
	if _, err := f.svc.Decide(ctx, DecideInput{RequestID: "missing", Approver: "f-1", Decision: DecisionApprove}); !errors.Is(err, domain.ErrRequestNotFound) {
		t.Errorf("expected ErrRequestNotFound, got: %v", err)
	}
	if _, err := f.svc.Decide(ctx, DecideInput{RequestID: req.ID, Approver: "f-2", Decision: DecisionApprove}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("non-coordinator faculty: expected ErrUnauthorized, got: %v", err)
	}
	if _, err := f.svc.Decide(ctx, DecideInput{RequestID: req.ID, Approver: "s-1", Decision: DecisionApprove}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("student: expected ErrUnauthorized, got: %v", err)
	}
	if _, err := f.svc.Decide(ctx, DecideInput{RequestID: req.ID, Approver: "u-admin", Decision: DecisionApprove}); err != nil {
		t.Fatalf("admin approval failed: %v", err)
	}
	if _, err := f.svc.Decide(ctx, DecideInput{RequestID: req.ID, Approver: "f-1", Decision: DecisionReject}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("re-decision: expected ErrInvalidTransition, got: %v", err)
	}
	if got := f.available(widget); got != 4 {
		t.Errorf("failed decisions must not touch stock, available %d", got)
	}
}

func TestDecide_ConcurrentApproveRejectSingleWinner(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req, _ := f.svc.CreateRequest(ctx, CreateInput{Requester: "s-1", Resource: widget, Quantity: 2})

	var wins, lost atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision := DecisionApprove
			if i%2 == 0 {
				decision = DecisionReject
			}
			_, err := f.svc.Decide(ctx, DecideInput{RequestID: req.ID, Approver: "f-1", Decision: decision})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, domain.ErrInvalidTransition):
				lost.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 || lost.Load() != 9 {
		t.Errorf("expected exactly one winner, got %d wins / %d lost", wins.Load(), lost.Load())
	}
	final, _ := f.store.GetRequest(ctx, req.ID)
	want := 3
	if final.Status == domain.StatusRejected {
		want = 5
	}
	if got := f.available(widget); got != want {
		t.Errorf("status %s: expected available %d, got %d", final.Status, want, got)
	}
}

func TestRoundTrip_RestoresAvailability(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	req, err := f.svc.CreateRequest(ctx, CreateInput{Requester: "s-1", Resource: widget, Quantity: 3})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	steps := []func() (domain.Request, error){
		func() (domain.Request, error) {
			return f.svc.Decide(ctx, DecideInput{RequestID: req.ID, Approver: "f-1", Decision: DecisionApprove})
		},
		func() (domain.Request, error) { return f.svc.Collect(ctx, req.ID) },
		func() (domain.Request, error) { return f.svc.Return(ctx, req.ID) },
	}
	wantStatus := []domain.Status{domain.StatusApproved, domain.StatusCollected, domain.StatusReturned}
	wantAvail := []int{2, 2, 5}

	for i, step := range steps {
		f.clock.Advance(30 * time.Second)
		got, err := step()
		if err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
		if got.Status != wantStatus[i] {
			t.Errorf("step %d: expected %s, got %s", i, wantStatus[i], got.Status)
		}
		if avail := f.available(widget); avail != wantAvail[i] {
			t.Errorf("step %d: expected available %d, got %d", i, wantAvail[i], avail)
		}
	}

	final, _ := f.store.GetRequest(ctx, req.ID)
	if final.CollectedAt == nil || final.ReturnedAt == nil || !final.ReturnedAt.After(*final.CollectedAt) {
		t.Errorf("expected collection and return timestamps, got %+v", final)
	}
	if _, err := f.svc.Return(ctx, req.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("second return: expected ErrInvalidTransition, got: %v", err)
	}
	if got := f.available(widget); got != 5 {
		t.Errorf("second return must not restore twice, available %d", got)
	}
}

func TestCollect_RequiresApproval(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req, _ := f.svc.CreateRequest(ctx, CreateInput{Requester: "s-1", Resource: widget, Quantity: 1})

	if _, err := f.svc.Collect(ctx, req.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got: %v", err)
	}
	if _, err := f.svc.Return(ctx, req.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got: %v", err)
	}
}

func TestCollect_AfterGracePeriodExpires(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req, _ := f.svc.CreateRequest(ctx, CreateInput{Requester: "f-1", Resource: textbook, Quantity: 2})

	f.clock.Advance(DefaultGracePeriod + time.Second)
	_, err := f.svc.Collect(ctx, req.ID)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got: %v", err)
	}

	final, _ := f.store.GetRequest(ctx, req.ID)
	if final.Status != domain.StatusExpired {
		t.Errorf("expected EXPIRED, got %s", final.Status)
	}
	if got := f.available(textbook); got != 3 {
		t.Errorf("expected stock restored to 3, got %d", got)
	}
}

func TestCollect_WithinGracePeriod(t *testing.T) {
	f := newFixture(WithGracePeriod(time.Hour))
	ctx := context.Background()
	req, _ := f.svc.CreateRequest(ctx, CreateInput{Requester: "f-1", Resource: textbook, Quantity: 1})

	f.clock.Advance(59 * time.Minute)
	got, err := f.svc.Collect(ctx, req.ID)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if got.Status != domain.StatusCollected {
		t.Errorf("expected COLLECTED, got %s", got.Status)
	}
}

func TestExpire_IdempotentAndGuarded(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req, _ := f.svc.CreateRequest(ctx, CreateInput{Requester: "f-1", Resource: textbook, Quantity: 1})

	if _, err := f.svc.Expire(ctx, req.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("fresh approval: expected ErrInvalidTransition, got: %v", err)
	}

	f.clock.Advance(DefaultGracePeriod)
	expired, err := f.svc.Expire(ctx, req.ID)
	if err != nil {
		t.Fatalf("expire at the grace boundary failed: %v", err)
	}
	if expired.Status != domain.StatusExpired || expired.SystemNote == "" {
		t.Errorf("unexpected expired request: %+v", expired)
	}

	if _, err := f.svc.Expire(ctx, req.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("second expire: expected ErrInvalidTransition, got: %v", err)
	}
	if f.store.releases != 1 {
		t.Errorf("expected exactly one ledger restoration, got %d", f.store.releases)
	}
	if got := f.available(textbook); got != 3 {
		t.Errorf("expected available 3, got %d", got)
	}
}

func TestExpire_RacingCollectSingleTerminalTransition(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req, _ := f.svc.CreateRequest(ctx, CreateInput{Requester: "f-1", Resource: textbook, Quantity: 1})
	f.clock.Advance(DefaultGracePeriod + time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				f.svc.Expire(ctx, req.ID)
			} else {
				f.svc.Collect(ctx, req.ID)
			}
		}(i)
	}
	wg.Wait()

	final, _ := f.store.GetRequest(ctx, req.ID)
	if final.Status != domain.StatusExpired {
		t.Errorf("expected EXPIRED, got %s", final.Status)
	}
	if f.store.transitions != 1 || f.store.releases != 1 {
		t.Errorf("expected one transition and one release, got %d/%d", f.store.transitions, f.store.releases)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	pending, _ := f.svc.CreateRequest(ctx, CreateInput{Requester: "s-1", Resource: widget, Quantity: 2})

	if _, err := f.svc.Cancel(ctx, pending.ID, "s-2"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("other student: expected ErrUnauthorized, got: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, pending.ID, "f-1"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("coordinator: expected ErrUnauthorized, got: %v", err)
	}

	cancelled, err := f.svc.Cancel(ctx, pending.ID, "u-s1")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", cancelled.Status)
	}
	if got := f.available(widget); got != 5 {
		t.Errorf("expected stock restored, available %d", got)
	}
	if _, err := f.svc.Cancel(ctx, pending.ID, "s-1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("second cancel: expected ErrInvalidTransition, got: %v", err)
	}

	loan, _ := f.svc.CreateRequest(ctx, CreateInput{Requester: "f-1", Resource: textbook, Quantity: 1})
	f.svc.Collect(ctx, loan.ID)
	if _, err := f.svc.Cancel(ctx, loan.ID, "f-1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("collected loan: expected ErrInvalidTransition, got: %v", err)
	}
}

func TestTransition_StorageFailureLeavesLedger(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req, _ := f.svc.CreateRequest(ctx, CreateInput{Requester: "s-1", Resource: widget, Quantity: 2})

	f.store.failTransitions = fmt.Errorf("%w: connection reset", domain.ErrStorageUnavailable)
	_, err := f.svc.Decide(ctx, DecideInput{RequestID: req.ID, Approver: "f-1", Decision: DecisionReject})
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got: %v", err)
	}
	if got := f.available(widget); got != 3 {
		t.Errorf("failed transition must not restore stock, available %d", got)
	}
}
