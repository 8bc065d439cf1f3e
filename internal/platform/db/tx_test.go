package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestWrapTxErrorSerializationFailure(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "40001", Message: "could not serialize access due to concurrent update"}
	err := WrapTxError(fmt.Errorf("stock: lock batches for product 1: %w", pgErr))

	assert.ErrorIs(t, err, ErrTxConflict)
	assert.Contains(t, err.Error(), "concurrent update")
}

func TestWrapTxErrorDeadlock(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
	err := WrapTxError(fmt.Errorf("refunds: %w", pgErr))

	assert.ErrorIs(t, err, ErrTxConflict)
}

func TestWrapTxErrorPassesOtherErrorsThrough(t *testing.T) {
	unique := &pgconn.PgError{Code: "23505"}
	err := WrapTxError(fmt.Errorf("insert: %w", unique))
	assert.NotErrorIs(t, err, ErrTxConflict)
	var pgErr *pgconn.PgError
	assert.ErrorAs(t, err, &pgErr)

	plain := errors.New("boom")
	assert.Equal(t, plain, WrapTxError(plain))
}
