package domain

import "fmt"

type ResourceKind string

const (
	ResourceKindComponent ResourceKind = "component"
	ResourceKindLibrary   ResourceKind = "library"
)

// LedgerStrategy describes how a resource kind tracks free units.
type LedgerStrategy int

const (
	// LedgerDerived computes availability as total minus the quantity held by active requests.
	LedgerDerived LedgerStrategy = iota
	// LedgerStoredCounter keeps available_quantity as a column adjusted by signed deltas.
	LedgerStoredCounter
)

func ParseResourceKind(s string) (ResourceKind, error) {
	switch ResourceKind(s) {
	case ResourceKindComponent, ResourceKindLibrary:
		return ResourceKind(s), nil
	}
	return "", fmt.Errorf("%w: unknown resource kind %q", ErrResourceNotFound, s)
}

func (k ResourceKind) Strategy() LedgerStrategy {
	if k == ResourceKindLibrary {
		return LedgerStoredCounter
	}
	return LedgerDerived
}

// AutoApproves reports whether new requests skip coordinator review.
func (k ResourceKind) AutoApproves() bool {
	return k == ResourceKindLibrary
}

// ExpiredStatus is the terminal status an uncollected approval lands in.
func (k ResourceKind) ExpiredStatus() Status {
	if k == ResourceKindLibrary {
		return StatusExpired
	}
	return StatusOverdue
}

type ResourceRef struct {
	Kind ResourceKind
	ID   string
}

func (r ResourceRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

type Resource struct {
	Ref               ResourceRef
	Name              string
	TotalQuantity     int
	AvailableQuantity int
	DomainID          string
	Location          string
}

// StockLevel is a point-in-time ledger reading. Available+Held == Total while the ledger is consistent.
type StockLevel struct {
	Ref       ResourceRef
	Total     int
	Available int
	Held      int
}

func (s StockLevel) Consistent() bool {
	return s.Available >= 0 && s.Available <= s.Total && s.Available+s.Held == s.Total
}

// Domain is an organizational bucket used to route approval authority.
type Domain struct {
	ID   string
	Name string
}

type CoordinatorAssignment struct {
	DomainID  string
	FacultyID string
}

type Project struct {
	ID                string
	Name              string
	CreatedByFaculty  string
	AcceptedByFaculty string
}

// Owner is the faculty accountable for the project's component requests.
func (p Project) Owner() string {
	if p.AcceptedByFaculty != "" {
		return p.AcceptedByFaculty
	}
	return p.CreatedByFaculty
}
