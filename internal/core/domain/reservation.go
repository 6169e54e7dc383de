package domain

import "time"

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusCollected Status = "COLLECTED"
	StatusReturned  Status = "RETURNED"
	StatusExpired   Status = "EXPIRED"
	StatusOverdue   Status = "OVERDUE"
	StatusCancelled Status = "CANCELLED"
)

const AutoApprovedNote = "auto-approved"

var transitions = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:  {StatusCollected, StatusExpired, StatusOverdue, StatusCancelled},
	StatusCollected: {StatusReturned},
}

// HeldStatuses are the statuses whose quantity is subtracted from availability.
var HeldStatuses = []Status{StatusPending, StatusApproved, StatusCollected}

func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusApproved, StatusRejected, StatusCollected,
		StatusReturned, StatusExpired, StatusOverdue, StatusCancelled:
		return st, true
	}
	return "", false
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s Status) HoldsStock() bool {
	for _, h := range HeldStatuses {
		if h == s {
			return true
		}
	}
	return false
}

// RestoresStock reports whether entering s gives the reserved quantity back to the ledger.
func (s Status) RestoresStock() bool {
	switch s {
	case StatusRejected, StatusReturned, StatusExpired, StatusOverdue, StatusCancelled:
		return true
	}
	return false
}

// Requester is either a student or a faculty member, never both.
type Requester interface {
	ID() string
	Kind() IdentityKind
	requester()
}

type StudentRequester struct {
	StudentID string
}

func (s StudentRequester) ID() string { return s.StudentID }
func (StudentRequester) Kind() IdentityKind { return IdentityStudent }
func (StudentRequester) requester() {}

type FacultyRequester struct {
	FacultyID string
}

func (f FacultyRequester) ID() string { return f.FacultyID }
func (FacultyRequester) Kind() IdentityKind { return IdentityFaculty }
func (FacultyRequester) requester() {}

// Request is one requester's claim on a quantity of one resource.
type Request struct {
	ID          string
	Requester   Requester
	Resource    ResourceRef
	Quantity    int
	Purpose     string
	Notes       string
	ProjectID   string
	DomainID    string
	RoutedTo    string // fallback approver when no coordinator covers the resource
	ApproverID  string
	Decision    string // approver notes, or the auto-approval note
	SystemNote  string
	Status      Status
	RequestedAt time.Time
	RequiredBy  *time.Time
	DecidedAt   *time.Time
	CollectedAt *time.Time
	ReturnedAt  *time.Time
	UpdatedAt   time.Time
}

// Transition is a conditional status write: it applies only while the row is still in From.
type Transition struct {
	RequestID  string
	From       Status
	To         Status
	At         time.Time
	ApproverID string
	Note       string
	// DecidedBefore, when set, additionally requires decided_at <= DecidedBefore.
	DecidedBefore time.Time
}

// RequestFilter selects requests. Requester, DomainIDs and RoutedTo are alternative scopes; a filter
// with none of them matches nothing unless All is set. Resource and Statuses always narrow.
type RequestFilter struct {
	Requester Requester
	DomainIDs []string
	RoutedTo  string
	Resource  *ResourceRef
	Statuses  []Status
	All       bool
}
