package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/cie-portal/reservation-engine/internal/core/domain"
)

type identityRow struct {
	Kind   string `db:"kind"`
	ID     string `db:"id"`
	UserID string `db:"user_id"`
}

// ResolveIdentity accepts a user id, a student id or a faculty id. An admin user resolves to the
// admin identity; any other match must be unique across students and faculty.
func (s *SQLAdapter) ResolveIdentity(ctx context.Context, identifier string) (domain.Identity, error) {
	if identifier == "" {
		return domain.Identity{}, fmt.Errorf("%w: empty identifier", domain.ErrAmbiguousIdentifier)
	}

	var rows []identityRow
	err := sqlx.SelectContext(ctx, s.ext(ctx), &rows, `
		SELECT 'admin' AS kind, u.id AS id, u.id AS user_id FROM users u
		WHERE u.id = ? AND u.role = 'ADMIN'
		UNION
		SELECT 'student' AS kind, st.id AS id, st.user_id AS user_id FROM students st
		WHERE st.id = ? OR st.user_id = ?
		UNION
		SELECT 'faculty' AS kind, f.id AS id, f.user_id AS user_id FROM faculty f
		WHERE f.id = ? OR f.user_id = ?`,
		identifier, identifier, identifier, identifier, identifier,
	)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("resolve identity: %w", err)
	}

	seen := make(map[identityRow]bool, len(rows))
	var matches []domain.Identity
	for _, row := range rows {
		if seen[row] {
			continue
		}
		seen[row] = true
		if row.Kind == string(domain.IdentityAdmin) {
			return domain.Identity{Kind: domain.IdentityAdmin, ID: row.ID, UserID: row.UserID}, nil
		}
		matches = append(matches, domain.Identity{Kind: domain.IdentityKind(row.Kind), ID: row.ID, UserID: row.UserID})
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return domain.Identity{}, fmt.Errorf("%w: no student or faculty matches %q", domain.ErrAmbiguousIdentifier, identifier)
	default:
		return domain.Identity{}, fmt.Errorf("%w: %d entities match %q", domain.ErrAmbiguousIdentifier, len(matches), identifier)
	}
}

func (s *SQLAdapter) CoordinatorsFor(ctx context.Context, domainID string) ([]string, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, s.ext(ctx), &ids,
		`SELECT faculty_id FROM domain_coordinators WHERE domain_id = ? ORDER BY assigned_at, faculty_id`, domainID)
	if err != nil {
		return nil, fmt.Errorf("list coordinators: %w", err)
	}
	return ids, nil
}

func (s *SQLAdapter) DomainsCoordinatedBy(ctx context.Context, facultyID string) ([]string, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, s.ext(ctx), &ids,
		`SELECT domain_id FROM domain_coordinators WHERE faculty_id = ? ORDER BY domain_id`, facultyID)
	if err != nil {
		return nil, fmt.Errorf("list coordinated domains: %w", err)
	}
	return ids, nil
}

func (s *SQLAdapter) ApproverForProject(ctx context.Context, projectID string) (string, error) {
	var row struct {
		CreatedBy  sql.NullString `db:"created_by_faculty"`
		AcceptedBy sql.NullString `db:"accepted_by_faculty"`
	}
	err := sqlx.GetContext(ctx, s.ext(ctx), &row,
		`SELECT created_by_faculty, accepted_by_faculty FROM projects WHERE id = ?`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", domain.ErrProjectNotFound, projectID)
	}
	if err != nil {
		return "", fmt.Errorf("query project: %w", err)
	}

	p := domain.Project{ID: projectID, CreatedByFaculty: row.CreatedBy.String, AcceptedByFaculty: row.AcceptedBy.String}
	return p.Owner(), nil
}

func (s *SQLAdapter) IsFaculty(ctx context.Context, facultyID string) (bool, error) {
	var n int
	if err := sqlx.GetContext(ctx, s.ext(ctx), &n, `SELECT COUNT(*) FROM faculty WHERE id = ?`, facultyID); err != nil {
		return false, fmt.Errorf("check faculty: %w", err)
	}
	return n > 0, nil
}
