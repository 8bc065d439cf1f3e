package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrTxConflict reports that a transaction lost a race with a concurrent
// writer and was aborted by the database. The caller should retry against
// fresh state; handlers surface it as a conflict, not an internal failure.
var ErrTxConflict = errors.New("db: transaction aborted by concurrent update")

// WithTx begins a RepeatableRead transaction, runs fn inside it and commits.
// Any error from fn or from the commit rolls the whole transaction back.
// Serialization failures and deadlocks are wrapped as ErrTxConflict.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return WrapTxError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return WrapTxError(fmt.Errorf("db: commit tx: %w", err))
	}

	return nil
}

// WrapTxError maps SQLSTATE 40001 (serialization_failure) and 40P01
// (deadlock_detected) onto ErrTxConflict. Under RepeatableRead a FOR UPDATE
// that resumes against a row newer than the snapshot raises 40001, so the
// loser of a stock race sees this rather than a raw driver error.
func WrapTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", ErrTxConflict, pgErr.Message)
	}
	return err
}
