package port

import (
	"context"

	"github.com/cie-portal/reservation-engine/internal/core/domain"
)

// Directory answers identity and approval-authority questions owned by other parts of the portal.
type Directory interface {
	// ResolveIdentity normalizes a user, student or faculty id to one entity
	ResolveIdentity(ctx context.Context, identifier string) (domain.Identity, error)

	CoordinatorsFor(ctx context.Context, domainID string) ([]string, error)

	DomainsCoordinatedBy(ctx context.Context, facultyID string) ([]string, error)

	// ApproverForProject returns the faculty owning the project, or "" when nobody does
	ApproverForProject(ctx context.Context, projectID string) (string, error)

	IsFaculty(ctx context.Context, facultyID string) (bool, error)
}
