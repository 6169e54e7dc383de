package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cie-portal/reservation-engine/internal/core/domain"
)

const requestColumns = `id, resource_kind, resource_id, student_id, faculty_id, quantity, purpose, notes,
	project_id, domain_id, routed_to, approver_id, decision_notes, system_note, status,
	requested_at, required_by, decided_at, collected_at, returned_at, updated_at`

type requestRow struct {
	ID            string         `db:"id"`
	ResourceKind  string         `db:"resource_kind"`
	ResourceID    string         `db:"resource_id"`
	StudentID     sql.NullString `db:"student_id"`
	FacultyID     sql.NullString `db:"faculty_id"`
	Quantity      int            `db:"quantity"`
	Purpose       string         `db:"purpose"`
	Notes         string         `db:"notes"`
	ProjectID     sql.NullString `db:"project_id"`
	DomainID      sql.NullString `db:"domain_id"`
	RoutedTo      sql.NullString `db:"routed_to"`
	ApproverID    sql.NullString `db:"approver_id"`
	DecisionNotes string         `db:"decision_notes"`
	SystemNote    string         `db:"system_note"`
	Status        string         `db:"status"`
	RequestedAt   time.Time      `db:"requested_at"`
	RequiredBy    sql.NullTime   `db:"required_by"`
	DecidedAt     sql.NullTime   `db:"decided_at"`
	CollectedAt   sql.NullTime   `db:"collected_at"`
	ReturnedAt    sql.NullTime   `db:"returned_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r requestRow) toDomain() (domain.Request, error) {
	status, ok := domain.ParseStatus(r.Status)
	if !ok {
		return domain.Request{}, fmt.Errorf("request %s has unknown status %q", r.ID, r.Status)
	}

	req := domain.Request{
		ID:          r.ID,
		Resource:    domain.ResourceRef{Kind: domain.ResourceKind(r.ResourceKind), ID: r.ResourceID},
		Quantity:    r.Quantity,
		Purpose:     r.Purpose,
		Notes:       r.Notes,
		ProjectID:   r.ProjectID.String,
		DomainID:    r.DomainID.String,
		RoutedTo:    r.RoutedTo.String,
		ApproverID:  r.ApproverID.String,
		Decision:    r.DecisionNotes,
		SystemNote:  r.SystemNote,
		Status:      status,
		RequestedAt: r.RequestedAt.UTC(),
		RequiredBy:  timePtr(r.RequiredBy),
		DecidedAt:   timePtr(r.DecidedAt),
		CollectedAt: timePtr(r.CollectedAt),
		ReturnedAt:  timePtr(r.ReturnedAt),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	switch {
	case r.StudentID.Valid:
		req.Requester = domain.StudentRequester{StudentID: r.StudentID.String}
	case r.FacultyID.Valid:
		req.Requester = domain.FacultyRequester{FacultyID: r.FacultyID.String}
	}
	return req, nil
}

func (s *SQLAdapter) CreateRequest(ctx context.Context, req domain.Request) error {
	studentID, facultyID := requesterColumns(req.Requester)
	if !studentID.Valid && !facultyID.Valid {
		return fmt.Errorf("%w: request %s has no requester", domain.ErrUnauthorized, req.ID)
	}

	_, err := s.ext(ctx).ExecContext(ctx, `
		INSERT INTO reservations (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Resource.Kind, req.Resource.ID, studentID, facultyID, req.Quantity, req.Purpose, req.Notes,
		nullString(req.ProjectID), nullString(req.DomainID), nullString(req.RoutedTo), nullString(req.ApproverID),
		req.Decision, req.SystemNote, req.Status,
		req.RequestedAt.UTC(), nullTime(req.RequiredBy), nullTime(req.DecidedAt),
		nullTime(req.CollectedAt), nullTime(req.ReturnedAt), req.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (s *SQLAdapter) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	var row requestRow
	err := sqlx.GetContext(ctx, s.ext(ctx), &row, `SELECT `+requestColumns+` FROM reservations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Request{}, fmt.Errorf("%w: %s", domain.ErrRequestNotFound, id)
	}
	if err != nil {
		return domain.Request{}, fmt.Errorf("query request: %w", err)
	}
	return row.toDomain()
}

// ApplyTransition writes the new status only while the row is still in t.From, so two racing
// writers cannot both move the same request.
func (s *SQLAdapter) ApplyTransition(ctx context.Context, t domain.Transition) (bool, error) {
	at := t.At.UTC()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{t.To, at}

	switch t.To {
	case domain.StatusApproved, domain.StatusRejected:
		sets = append(sets, "approver_id = ?", "decision_notes = ?", "decided_at = ?")
		args = append(args, nullString(t.ApproverID), t.Note, at)
	case domain.StatusCollected:
		sets = append(sets, "collected_at = ?")
		args = append(args, at)
	case domain.StatusReturned:
		sets = append(sets, "returned_at = ?")
		args = append(args, at)
	case domain.StatusExpired, domain.StatusOverdue, domain.StatusCancelled:
		sets = append(sets, "system_note = ?")
		args = append(args, t.Note)
	}

	query := `UPDATE reservations SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status = ?`
	args = append(args, t.RequestID, t.From)
	if !t.DecidedBefore.IsZero() {
		query += ` AND decided_at IS NOT NULL AND decided_at <= ?`
		args = append(args, t.DecidedBefore.UTC())
	}

	result, err := s.ext(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update request status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows == 1, nil
}

func (s *SQLAdapter) HasActiveRequest(ctx context.Context, requester domain.Requester, ref domain.ResourceRef, projectID string) (bool, error) {
	column := "student_id"
	if requester.Kind() == domain.IdentityFaculty {
		column = "faculty_id"
	}

	var n int
	err := sqlx.GetContext(ctx, s.ext(ctx), &n, `
		SELECT COUNT(*) FROM reservations
		WHERE `+column+` = ? AND resource_kind = ? AND resource_id = ? AND project_id = ?
		AND status IN ('PENDING', 'APPROVED', 'COLLECTED')`,
		requester.ID(), ref.Kind, ref.ID, projectID,
	)
	if err != nil {
		return false, fmt.Errorf("count active requests: %w", err)
	}
	return n > 0, nil
}

// ListRequests returns matching requests newest first. Requester, DomainIDs and RoutedTo are
// alternatives (any may match); Resource and Statuses narrow the result.
func (s *SQLAdapter) ListRequests(ctx context.Context, filter domain.RequestFilter) ([]domain.Request, error) {
	var (
		where []string
		args  []any
	)

	if !filter.All {
		var scopes []string
		if filter.Requester != nil {
			studentID, facultyID := requesterColumns(filter.Requester)
			if studentID.Valid {
				scopes = append(scopes, "student_id = ?")
				args = append(args, studentID.String)
			} else {
				scopes = append(scopes, "faculty_id = ?")
				args = append(args, facultyID.String)
			}
		}
		if len(filter.DomainIDs) > 0 {
			scopes = append(scopes, "domain_id IN (?)")
			args = append(args, filter.DomainIDs)
		}
		if filter.RoutedTo != "" {
			scopes = append(scopes, "routed_to = ?")
			args = append(args, filter.RoutedTo)
		}
		if len(scopes) == 0 {
			return nil, nil
		}
		where = append(where, "("+strings.Join(scopes, " OR ")+")")
	}

	if filter.Resource != nil {
		where = append(where, "resource_kind = ? AND resource_id = ?")
		args = append(args, filter.Resource.Kind, filter.Resource.ID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN (?)")
		args = append(args, filter.Statuses)
	}

	query := `SELECT ` + requestColumns + ` FROM reservations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY requested_at DESC, id`

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("expand list query: %w", err)
	}
	ext := s.ext(ctx)
	query = ext.Rebind(query)

	var rows []requestRow
	if err := sqlx.SelectContext(ctx, ext, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}

	out := make([]domain.Request, 0, len(rows))
	for _, row := range rows {
		req, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (s *SQLAdapter) ListExpirable(ctx context.Context, kind domain.ResourceKind, cutoff time.Time) ([]string, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, s.ext(ctx), &ids, `
		SELECT id FROM reservations
		WHERE resource_kind = ? AND status = 'APPROVED' AND decided_at IS NOT NULL AND decided_at <= ?
		ORDER BY decided_at`,
		kind, cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list expirable requests: %w", err)
	}
	return ids, nil
}

func requesterColumns(r domain.Requester) (student, faculty sql.NullString) {
	switch v := r.(type) {
	case domain.StudentRequester:
		student = sql.NullString{String: v.StudentID, Valid: true}
	case domain.FacultyRequester:
		faculty = sql.NullString{String: v.FacultyID, Valid: true}
	}
	return student, faculty
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
