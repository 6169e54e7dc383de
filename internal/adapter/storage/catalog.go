package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cie-portal/reservation-engine/internal/core/domain"
)

// Catalog writes maintain the reference data the engine reads: people, domains, coordinator
// assignments, projects and resources. They are used by admin tooling and fixtures.

func (s *SQLAdapter) UpsertAdmin(ctx context.Context, userID, name string) error {
	return s.upsertUser(ctx, userID, name, "ADMIN")
}

func (s *SQLAdapter) UpsertStudent(ctx context.Context, studentID, userID, name string) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		if err := s.upsertUser(ctx, userID, name, "STUDENT"); err != nil {
			return err
		}
		return s.upsert(ctx, "students", []string{"id"}, []string{"id", "user_id"}, studentID, userID)
	})
}

func (s *SQLAdapter) UpsertFaculty(ctx context.Context, facultyID, userID, name string) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		if err := s.upsertUser(ctx, userID, name, "FACULTY"); err != nil {
			return err
		}
		return s.upsert(ctx, "faculty", []string{"id"}, []string{"id", "user_id"}, facultyID, userID)
	})
}

func (s *SQLAdapter) UpsertDomain(ctx context.Context, d domain.Domain) error {
	return s.upsert(ctx, "domains", []string{"id"}, []string{"id", "name"}, d.ID, d.Name)
}

func (s *SQLAdapter) AssignCoordinator(ctx context.Context, a domain.CoordinatorAssignment, at time.Time) error {
	return s.upsert(ctx, "domain_coordinators", []string{"domain_id", "faculty_id"},
		[]string{"domain_id", "faculty_id", "assigned_at"}, a.DomainID, a.FacultyID, at.UTC())
}

func (s *SQLAdapter) UnassignCoordinator(ctx context.Context, a domain.CoordinatorAssignment) error {
	_, err := s.ext(ctx).ExecContext(ctx,
		`DELETE FROM domain_coordinators WHERE domain_id = ? AND faculty_id = ?`, a.DomainID, a.FacultyID)
	if err != nil {
		return fmt.Errorf("unassign coordinator: %w", err)
	}
	return nil
}

func (s *SQLAdapter) UpsertProject(ctx context.Context, p domain.Project) error {
	return s.upsert(ctx, "projects", []string{"id"},
		[]string{"id", "name", "created_by_faculty", "accepted_by_faculty"},
		p.ID, p.Name, nullString(p.CreatedByFaculty), nullString(p.AcceptedByFaculty))
}

// UpsertResource creates or updates a component or library item. Changing a library item's
// total shifts its stored availability by the same delta. A new total below the units currently
// held fails with ErrInsufficientStock and leaves the resource untouched.
func (s *SQLAdapter) UpsertResource(ctx context.Context, res domain.Resource) error {
	if res.TotalQuantity < 0 {
		return domain.ErrInvalidQuantity
	}
	if res.Ref.Kind != domain.ResourceKindComponent && res.Ref.Kind != domain.ResourceKindLibrary {
		return fmt.Errorf("%w: %s", domain.ErrResourceNotFound, res.Ref)
	}

	return s.WithTx(ctx, func(ctx context.Context) error {
		if err := s.checkTotalCoversHeld(ctx, res.Ref, res.TotalQuantity); err != nil {
			return err
		}
		if res.Ref.Kind == domain.ResourceKindComponent {
			return s.upsert(ctx, "lab_components", []string{"id"},
				[]string{"id", "name", "total_quantity", "domain_id", "location"},
				res.Ref.ID, res.Name, res.TotalQuantity, nullString(res.DomainID), res.Location)
		}
		return s.upsertLibraryItem(ctx, res)
	})
}

// checkTotalCoversHeld locks an existing resource and rejects a total smaller than what is held.
func (s *SQLAdapter) checkTotalCoversHeld(ctx context.Context, ref domain.ResourceRef, total int) error {
	lock := `UPDATE lab_components SET version = version + 1 WHERE id = ?`
	if ref.Kind == domain.ResourceKindLibrary {
		lock = `UPDATE library_items SET version = version + 1 WHERE id = ?`
	}
	result, err := s.ext(ctx).ExecContext(ctx, lock, ref.ID)
	if err != nil {
		return fmt.Errorf("lock resource: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil
	}

	current, err := s.GetResource(ctx, ref)
	if err != nil {
		return err
	}
	if held := current.TotalQuantity - current.AvailableQuantity; total < held {
		return fmt.Errorf("%w: %s has %d held, cannot shrink to %d", domain.ErrInsufficientStock, ref, held, total)
	}
	return nil
}

func (s *SQLAdapter) upsertLibraryItem(ctx context.Context, res domain.Resource) error {
	// MySQL evaluates SET assignments left to right, so available_quantity must precede total_quantity.
	conflict := `ON CONFLICT(id) DO UPDATE SET
		available_quantity = library_items.available_quantity + excluded.total_quantity - library_items.total_quantity,
		total_quantity = excluded.total_quantity,
		name = excluded.name, domain_id = excluded.domain_id, location = excluded.location,
		version = library_items.version + 1`
	if s.db.DriverName() == DriverMySQL {
		conflict = `ON DUPLICATE KEY UPDATE
		available_quantity = available_quantity + VALUES(total_quantity) - total_quantity,
		total_quantity = VALUES(total_quantity),
		name = VALUES(name), domain_id = VALUES(domain_id), location = VALUES(location),
		version = version + 1`
	}
	_, err := s.ext(ctx).ExecContext(ctx, `
		INSERT INTO library_items (id, name, total_quantity, available_quantity, domain_id, location)
		VALUES (?, ?, ?, ?, ?, ?) `+conflict,
		res.Ref.ID, res.Name, res.TotalQuantity, res.TotalQuantity, nullString(res.DomainID), res.Location)
	if err != nil {
		return fmt.Errorf("upsert library item: %w", err)
	}
	return nil
}

func (s *SQLAdapter) upsertUser(ctx context.Context, userID, name, role string) error {
	return s.upsert(ctx, "users", []string{"id"}, []string{"id", "name", "role"}, userID, name, role)
}

// upsert inserts a row or overwrites its non-key columns, in the connection's dialect.
func (s *SQLAdapter) upsert(ctx context.Context, table string, keys, cols []string, vals ...any) error {
	var updates []string
	mysql := s.db.DriverName() == DriverMySQL
	for _, c := range cols {
		if containsString(keys, c) {
			continue
		}
		if mysql {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", c, c))
		} else {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	switch {
	case mysql && len(updates) == 0:
		query += fmt.Sprintf(" ON DUPLICATE KEY UPDATE %s = %s", keys[0], keys[0])
	case mysql:
		query += " ON DUPLICATE KEY UPDATE " + strings.Join(updates, ", ")
	case len(updates) == 0:
		query += fmt.Sprintf(" ON CONFLICT(%s) DO NOTHING", strings.Join(keys, ", "))
	default:
		query += fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET %s", strings.Join(keys, ", "), strings.Join(updates, ", "))
	}

	if _, err := s.ext(ctx).ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
