package service

import (
	"context"
	"fmt"

	"github.com/cie-portal/reservation-engine/internal/core/domain"
	"github.com/cie-portal/reservation-engine/internal/port"
)

// RouteContext is everything a rule may look at when choosing an approver.
type RouteContext struct {
	Resource  domain.Resource
	Requester domain.Requester
	ProjectID string
	// ApproverHint is the approving faculty supplied by the requesting context (student library loans).
	ApproverHint string
}

// Route is the outcome of approver resolution.
type Route struct {
	Coordinators []string
	Approver     string
	// NoApprover marks faculty library loans, which need nobody's sign-off.
	NoApprover bool
}

// ApproverRule returns ok=false to defer to the next rule in the chain.
type ApproverRule func(ctx context.Context, rc RouteContext) (route Route, ok bool, err error)

type DomainRouter struct {
	dir   port.Directory
	rules []ApproverRule
}

func NewDomainRouter(dir port.Directory) *DomainRouter {
	r := &DomainRouter{dir: dir}
	r.rules = []ApproverRule{
		r.coordinatorRule,
		r.projectOwnerRule,
		facultyLibraryRule,
		r.contextApproverRule,
	}
	return r
}

// NewDomainRouterWithRules builds a router with a custom chain.
func NewDomainRouterWithRules(dir port.Directory, rules ...ApproverRule) *DomainRouter {
	return &DomainRouter{dir: dir, rules: rules}
}

func (r *DomainRouter) Resolve(ctx context.Context, rc RouteContext) (Route, error) {
	for _, rule := range r.rules {
		route, ok, err := rule(ctx, rc)
		if err != nil {
			return Route{}, err
		}
		if ok {
			return route, nil
		}
	}
	return Route{}, fmt.Errorf("%w: %s", domain.ErrNoApproverAvailable, rc.Resource.Ref)
}

// Authorize checks that approver may decide req. Coordinators of the request's domain win over
// the fallback approver; admins may decide anything.
func (r *DomainRouter) Authorize(ctx context.Context, req domain.Request, approver domain.Identity) error {
	switch approver.Kind {
	case domain.IdentityAdmin:
		return nil
	case domain.IdentityFaculty:
	default:
		return domain.ErrUnauthorized
	}

	if req.DomainID != "" {
		coordinators, err := r.dir.CoordinatorsFor(ctx, req.DomainID)
		if err != nil {
			return fmt.Errorf("load coordinators: %w", err)
		}
		if contains(coordinators, approver.ID) {
			return nil
		}
		if len(coordinators) > 0 {
			return domain.ErrUnauthorized
		}
	}

	if req.RoutedTo != "" && req.RoutedTo == approver.ID {
		return nil
	}
	return domain.ErrUnauthorized
}

func (r *DomainRouter) coordinatorRule(ctx context.Context, rc RouteContext) (Route, bool, error) {
	if rc.Resource.DomainID == "" {
		return Route{}, false, nil
	}
	coordinators, err := r.dir.CoordinatorsFor(ctx, rc.Resource.DomainID)
	if err != nil {
		return Route{}, false, fmt.Errorf("load coordinators: %w", err)
	}
	if len(coordinators) == 0 {
		return Route{}, false, nil
	}
	return Route{Coordinators: coordinators}, true, nil
}

func (r *DomainRouter) projectOwnerRule(ctx context.Context, rc RouteContext) (Route, bool, error) {
	if rc.Resource.Ref.Kind != domain.ResourceKindComponent || rc.ProjectID == "" {
		return Route{}, false, nil
	}
	owner, err := r.dir.ApproverForProject(ctx, rc.ProjectID)
	if err != nil {
		return Route{}, false, err
	}
	if owner == "" {
		return Route{}, false, nil
	}
	return Route{Approver: owner}, true, nil
}

func facultyLibraryRule(_ context.Context, rc RouteContext) (Route, bool, error) {
	if rc.Resource.Ref.Kind != domain.ResourceKindLibrary || rc.Requester == nil {
		return Route{}, false, nil
	}
	if rc.Requester.Kind() != domain.IdentityFaculty {
		return Route{}, false, nil
	}
	return Route{NoApprover: true}, true, nil
}

func (r *DomainRouter) contextApproverRule(ctx context.Context, rc RouteContext) (Route, bool, error) {
	if rc.Resource.Ref.Kind != domain.ResourceKindLibrary || rc.ApproverHint == "" {
		return Route{}, false, nil
	}
	ok, err := r.dir.IsFaculty(ctx, rc.ApproverHint)
	if err != nil {
		return Route{}, false, err
	}
	if !ok {
		return Route{}, false, nil
	}
	return Route{Approver: rc.ApproverHint}, true, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
