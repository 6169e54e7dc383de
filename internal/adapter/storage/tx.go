package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/cie-portal/reservation-engine/internal/core/domain"
)

const (
	mysqlErrDeadlock        = 1213
	mysqlErrLockWaitTimeout = 1205
)

// RetryPolicy bounds retries of transactions that failed for transient storage reasons.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond}

type txKey struct{}

// WithTx runs fn in a transaction carried by ctx. Nested calls join the outer transaction.
// Deadlocks, lock timeouts and dropped connections are retried with exponential backoff;
// once the attempts are spent the failure surfaces as domain.ErrStorageUnavailable.
func (s *SQLAdapter) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := s.runTx(ctx, fn)
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		s.logger.Printf("storage: transient failure attempt=%d retry_in=%s: %v", attempt, next, err)
	}

	err := backoff.RetryNotify(operation, s.retry.backOff(ctx), notify)
	if err != nil && isTransient(err) {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return err
}

// backOff doubles the delay from BaseDelay and stops after MaxAttempts tries in total.
func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0

	retries := 0
	if p.MaxAttempts > 1 {
		retries = p.MaxAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

func (s *SQLAdapter) runTx(ctx context.Context, fn func(ctx context.Context) error) error {
	var opts *sql.TxOptions
	if s.db.DriverName() == DriverMySQL {
		// Each read inside the transaction must see rows committed by the writer that held the lock before us.
		opts = &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	}

	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func txFromContext(ctx context.Context) *sqlx.Tx {
	tx, _ := ctx.Value(txKey{}).(*sqlx.Tx)
	return tx
}

// ext returns the transaction bound to ctx, or the pool.
func (s *SQLAdapter) ext(ctx context.Context) sqlx.ExtContext {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlErrDeadlock || myErr.Number == mysqlErrLockWaitTimeout
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}
