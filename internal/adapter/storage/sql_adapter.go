package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"

	"github.com/cie-portal/reservation-engine/internal/core/domain"
)

// SQLAdapter is the relational store behind the reservation engine. It runs on MySQL in
// production and on SQLite for embedded use and tests; all statements are written to both dialects.
type SQLAdapter struct {
	db     *sqlx.DB
	retry  RetryPolicy
	logger *log.Logger
}

type AdapterOption func(*SQLAdapter)

func WithRetryPolicy(p RetryPolicy) AdapterOption {
	return func(a *SQLAdapter) {
		if p.MaxAttempts > 0 {
			a.retry = p
		}
	}
}

func WithLogger(logger *log.Logger) AdapterOption {
	return func(a *SQLAdapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func NewSQLAdapter(db *sqlx.DB, opts ...AdapterOption) *SQLAdapter {
	a := &SQLAdapter{db: db, retry: DefaultRetryPolicy, logger: log.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (s *SQLAdapter) DB() *sqlx.DB {
	return s.db
}

type resourceRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Total     int    `db:"total_quantity"`
	Available int    `db:"available_quantity"`
	DomainID  string `db:"domain_id"`
	Location  string `db:"location"`
}

// heldSubquery sums the quantity held by active requests of the outer row's resource.
const heldSubquery = `COALESCE((
	SELECT SUM(r.quantity) FROM reservations r
	WHERE r.resource_kind = ? AND r.resource_id = t.id AND r.status IN ('PENDING', 'APPROVED', 'COLLECTED')
), 0)`

func (s *SQLAdapter) GetResource(ctx context.Context, ref domain.ResourceRef) (domain.Resource, error) {
	var query string
	switch ref.Kind {
	case domain.ResourceKindComponent:
		query = `SELECT t.id, t.name, t.total_quantity, t.total_quantity - ` + heldSubquery + ` AS available_quantity,
	COALESCE(t.domain_id, '') AS domain_id, t.location
FROM lab_components t WHERE t.id = ?`
	case domain.ResourceKindLibrary:
		query = `SELECT t.id, t.name, t.total_quantity, t.available_quantity,
	COALESCE(t.domain_id, '') AS domain_id, t.location
FROM library_items t WHERE t.id = ?`
	default:
		return domain.Resource{}, fmt.Errorf("%w: %s", domain.ErrResourceNotFound, ref)
	}

	var row resourceRow
	err := sqlx.GetContext(ctx, s.ext(ctx), &row, query, resourceArgs(ref)...)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Resource{}, fmt.Errorf("%w: %s", domain.ErrResourceNotFound, ref)
	}
	if err != nil {
		return domain.Resource{}, fmt.Errorf("query resource: %w", err)
	}

	return domain.Resource{
		Ref:               ref,
		Name:              row.Name,
		TotalQuantity:     row.Total,
		AvailableQuantity: row.Available,
		DomainID:          row.DomainID,
		Location:          row.Location,
	}, nil
}

// Reserve takes quantity units of ref. Library items use a conditional decrement of the stored
// counter; lab components lock their row and check the derived availability before the caller
// inserts the holding request in the same transaction.
func (s *SQLAdapter) Reserve(ctx context.Context, ref domain.ResourceRef, quantity int) error {
	if quantity <= 0 {
		return domain.ErrInvalidQuantity
	}

	return s.WithTx(ctx, func(ctx context.Context) error {
		switch ref.Kind.Strategy() {
		case domain.LedgerStoredCounter:
			result, err := s.ext(ctx).ExecContext(ctx, `
				UPDATE library_items
				SET available_quantity = available_quantity - ?, version = version + 1
				WHERE id = ? AND available_quantity >= ?`,
				quantity, ref.ID, quantity,
			)
			if err != nil {
				return fmt.Errorf("decrement library item: %w", err)
			}
			rows, _ := result.RowsAffected()
			if rows == 0 {
				return s.missingOrShort(ctx, ref)
			}
			return nil

		default:
			available, err := s.lockDerived(ctx, ref)
			if err != nil {
				return err
			}
			if available < quantity {
				return domain.ErrInsufficientStock
			}
			return nil
		}
	})
}

// Release returns quantity units of ref. For lab components the status write that ended the
// hold already freed the units, so only the stored counter needs an update.
func (s *SQLAdapter) Release(ctx context.Context, ref domain.ResourceRef, quantity int) error {
	if ref.Kind.Strategy() != domain.LedgerStoredCounter {
		return nil
	}

	result, err := s.ext(ctx).ExecContext(ctx, `
		UPDATE library_items
		SET available_quantity = available_quantity + ?, version = version + 1
		WHERE id = ? AND available_quantity + ? <= total_quantity`,
		quantity, ref.ID, quantity,
	)
	if err != nil {
		return fmt.Errorf("increment library item: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := s.GetResource(ctx, ref); err != nil {
			return err
		}
		return fmt.Errorf("%w: releasing %d of %s would exceed total", domain.ErrLedgerInconsistent, quantity, ref)
	}
	return nil
}

func (s *SQLAdapter) Stock(ctx context.Context, ref domain.ResourceRef) (domain.StockLevel, error) {
	res, err := s.GetResource(ctx, ref)
	if err != nil {
		return domain.StockLevel{}, err
	}

	var held int
	err = sqlx.GetContext(ctx, s.ext(ctx), &held, `
		SELECT COALESCE(SUM(quantity), 0) FROM reservations
		WHERE resource_kind = ? AND resource_id = ? AND status IN ('PENDING', 'APPROVED', 'COLLECTED')`,
		ref.Kind, ref.ID,
	)
	if err != nil {
		return domain.StockLevel{}, fmt.Errorf("sum held quantity: %w", err)
	}

	return domain.StockLevel{
		Ref:       ref,
		Total:     res.TotalQuantity,
		Available: res.AvailableQuantity,
		Held:      held,
	}, nil
}

// lockDerived bumps the component's version to take its row lock, then reads availability.
func (s *SQLAdapter) lockDerived(ctx context.Context, ref domain.ResourceRef) (int, error) {
	result, err := s.ext(ctx).ExecContext(ctx, `UPDATE lab_components SET version = version + 1 WHERE id = ?`, ref.ID)
	if err != nil {
		return 0, fmt.Errorf("lock component: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return 0, fmt.Errorf("%w: %s", domain.ErrResourceNotFound, ref)
	}

	res, err := s.GetResource(ctx, ref)
	if err != nil {
		return 0, err
	}
	return res.AvailableQuantity, nil
}

func (s *SQLAdapter) missingOrShort(ctx context.Context, ref domain.ResourceRef) error {
	if _, err := s.GetResource(ctx, ref); err != nil {
		return err
	}
	return domain.ErrInsufficientStock
}

func resourceArgs(ref domain.ResourceRef) []any {
	if ref.Kind == domain.ResourceKindComponent {
		return []any{ref.Kind, ref.ID}
	}
	return []any{ref.ID}
}
