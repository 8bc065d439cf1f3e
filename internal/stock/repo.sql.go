package stock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinova-health/clinova/internal/platform/db"
)

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// TxStore is the transactional ledger surface. Consumption and reversal run
// against it inside the caller's transaction so that move rows, on-hand
// deltas and sale status changes commit or roll back together.
type TxStore interface {
	// BatchStockForUpdate locks and returns per-batch on-hand rows for a
	// product at a location, joined with batch expiry, in batch id order.
	BatchStockForUpdate(ctx context.Context, productID, locationID int64) ([]BatchStock, error)
	// OnHandForUpdate locks and returns the quantity of a single on-hand
	// row. A missing row reads as zero.
	OnHandForUpdate(ctx context.Context, productID, locationID int64, batchID *int64) (float64, error)
	// InsertMove appends a ledger row and returns its id.
	InsertMove(ctx context.Context, m Move) (int64, error)
	// ApplyDelta upserts the on-hand aggregate for a triple.
	ApplyDelta(ctx context.Context, productID, locationID int64, batchID *int64, delta float64) error
	// MovesByRef returns all moves referencing a document, in creation order.
	MovesByRef(ctx context.Context, kind RefKind, refID int64) ([]Move, error)
	// OutMovesWithReversals locks and returns the OUT moves of a sale line
	// in creation order, each with the quantity already reversed by
	// completed refunds.
	OutMovesWithReversals(ctx context.Context, saleLineID int64) ([]MoveReversal, error)
}

// MoveReversal pairs an OUT move with its cumulative reversed quantity.
type MoveReversal struct {
	Move     Move
	Reversed float64
}

// Repository persists the stock ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn inside a RepeatableRead transaction with a TxStore bound to it.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxStore) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxStore(tx))
	})
}

// NewTxStore binds a TxStore to an open transaction. The sales and refund
// repositories use it to compose ledger writes into their own transactions.
func NewTxStore(tx dbtx) TxStore {
	return &txStore{db: tx}
}

type txStore struct {
	db dbtx
}

const moveColumns = `id, move_type, product_id, location_id, batch_id, quantity, ref_kind, ref_id, sale_line_id, source_move_id, note, created_at`

func scanMove(row pgx.Row) (Move, error) {
	var m Move
	err := row.Scan(&m.ID, &m.Type, &m.ProductID, &m.LocationID, &m.BatchID, &m.Quantity,
		&m.RefKind, &m.RefID, &m.SaleLineID, &m.SourceMoveID, &m.Note, &m.CreatedAt)
	return m, err
}

func (s *txStore) BatchStockForUpdate(ctx context.Context, productID, locationID int64) ([]BatchStock, error) {
	rows, err := s.db.Query(ctx, `SELECT soh.batch_id, b.lot_code, b.expiry_date, soh.quantity
FROM stock_on_hand soh
JOIN batches b ON b.id = soh.batch_id
WHERE soh.product_id = $1 AND soh.location_id = $2 AND soh.batch_id IS NOT NULL
ORDER BY b.id ASC
FOR UPDATE OF soh`, productID, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []BatchStock{}
	for rows.Next() {
		var b BatchStock
		if err := rows.Scan(&b.BatchID, &b.LotCode, &b.Expiry, &b.Quantity); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *txStore) OnHandForUpdate(ctx context.Context, productID, locationID int64, batchID *int64) (float64, error) {
	var qty float64
	err := s.db.QueryRow(ctx, `SELECT quantity FROM stock_on_hand
WHERE product_id = $1 AND location_id = $2 AND batch_id IS NOT DISTINCT FROM $3
FOR UPDATE`, productID, locationID, batchID).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return qty, err
}

func (s *txStore) InsertMove(ctx context.Context, m Move) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `INSERT INTO stock_moves
(move_type, product_id, location_id, batch_id, quantity, ref_kind, ref_id, sale_line_id, source_move_id, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW()) RETURNING id`,
		m.Type, m.ProductID, m.LocationID, m.BatchID, m.Quantity, m.RefKind, m.RefID, m.SaleLineID, m.SourceMoveID, m.Note).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrDuplicateReversal
		}
		return 0, err
	}
	return id, nil
}

func (s *txStore) ApplyDelta(ctx context.Context, productID, locationID int64, batchID *int64, delta float64) error {
	_, err := s.db.Exec(ctx, `INSERT INTO stock_on_hand (product_id, location_id, batch_id, quantity, updated_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (product_id, location_id, batch_id)
DO UPDATE SET quantity = stock_on_hand.quantity + EXCLUDED.quantity, updated_at = NOW()`,
		productID, locationID, batchID, delta)
	return err
}

func (s *txStore) MovesByRef(ctx context.Context, kind RefKind, refID int64) ([]Move, error) {
	rows, err := s.db.Query(ctx, `SELECT `+moveColumns+` FROM stock_moves
WHERE ref_kind = $1 AND ref_id = $2 ORDER BY id ASC`, kind, refID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	moves := []Move{}
	for rows.Next() {
		m, err := scanMove(rows)
		if err != nil {
			return nil, err
		}
		moves = append(moves, m)
	}
	return moves, rows.Err()
}

func (s *txStore) OutMovesWithReversals(ctx context.Context, saleLineID int64) ([]MoveReversal, error) {
	rows, err := s.db.Query(ctx, `SELECT m.id, m.move_type, m.product_id, m.location_id, m.batch_id, m.quantity,
m.ref_kind, m.ref_id, m.sale_line_id, m.source_move_id, m.note, m.created_at,
COALESCE((SELECT SUM(r.quantity) FROM stock_moves r
	WHERE r.move_type = 'REFUND_IN' AND r.source_move_id = m.id), 0) AS reversed
FROM stock_moves m
WHERE m.move_type = 'OUT' AND m.sale_line_id = $1
ORDER BY m.id ASC
FOR UPDATE OF m`, saleLineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []MoveReversal{}
	for rows.Next() {
		var mr MoveReversal
		m := &mr.Move
		if err := rows.Scan(&m.ID, &m.Type, &m.ProductID, &m.LocationID, &m.BatchID, &m.Quantity,
			&m.RefKind, &m.RefID, &m.SaleLineID, &m.SourceMoveID, &m.Note, &m.CreatedAt, &mr.Reversed); err != nil {
			return nil, err
		}
		out = append(out, mr)
	}
	return out, rows.Err()
}

// OnHandFilter narrows on-hand listings.
type OnHandFilter struct {
	ProductID  int64
	LocationID int64
}

// OnHandList returns on-hand rows outside any transaction, for the read surface.
func (r *Repository) OnHandList(ctx context.Context, f OnHandFilter) ([]OnHand, error) {
	rows, err := r.pool.Query(ctx, `SELECT product_id, location_id, batch_id, quantity, updated_at
FROM stock_on_hand
WHERE ($1 = 0 OR product_id = $1) AND ($2 = 0 OR location_id = $2)
ORDER BY product_id, location_id, batch_id NULLS FIRST`, f.ProductID, f.LocationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []OnHand{}
	for rows.Next() {
		var oh OnHand
		if err := rows.Scan(&oh.ProductID, &oh.LocationID, &oh.BatchID, &oh.Quantity, &oh.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, oh)
	}
	return out, rows.Err()
}

// LedgerFilter narrows ledger listings.
type LedgerFilter struct {
	ProductID  int64
	LocationID int64
	From       time.Time
	To         time.Time
	Limit      int
}

// LedgerList returns ledger rows newest-first, for the read surface.
func (r *Repository) LedgerList(ctx context.Context, f LedgerFilter) ([]Move, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	} else if limit > 500 {
		limit = 500
	}
	to := f.To
	if to.IsZero() {
		to = time.Now().Add(time.Hour)
	}
	rows, err := r.pool.Query(ctx, `SELECT `+moveColumns+` FROM stock_moves
WHERE ($1 = 0 OR product_id = $1) AND ($2 = 0 OR location_id = $2)
AND created_at >= $3 AND created_at <= $4
ORDER BY id DESC LIMIT $5`, f.ProductID, f.LocationID, f.From, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	moves := []Move{}
	for rows.Next() {
		m, err := scanMove(rows)
		if err != nil {
			return nil, err
		}
		moves = append(moves, m)
	}
	return moves, rows.Err()
}
