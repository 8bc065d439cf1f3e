package refunds

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinova-health/clinova/internal/platform/db"
	"github.com/clinova-health/clinova/internal/sales"
	"github.com/clinova-health/clinova/internal/stock"
)

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// TxRepository is the transactional refund surface. Stock() exposes the
// ledger bound to the same transaction so reversal moves, refund rows and
// the sale status change commit atomically.
type TxRepository interface {
	SaleForUpdate(ctx context.Context, saleID int64) (sales.Sale, error)
	SetSaleStatus(ctx context.Context, saleID int64, status sales.Status) error
	InsertRefund(ctx context.Context, r Refund) (int64, error)
	CompleteRefund(ctx context.Context, refundID int64) error
	InsertRefundLine(ctx context.Context, l RefundLine) (int64, error)
	// RefundedQtyBySaleLine sums qty_refunded of completed refund lines per
	// sale line.
	RefundedQtyBySaleLine(ctx context.Context, saleID int64) (map[int64]float64, error)
	GetByIdempotencyKey(ctx context.Context, saleID int64, key string) (Refund, error)
	HasCompletedRefunds(ctx context.Context, saleID int64) (bool, error)
	Stock() stock.TxStore
}

// Repository persists refunds in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn inside a RepeatableRead transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{db: tx})
	})
}

type txRepo struct {
	db dbtx
}

func (t *txRepo) Stock() stock.TxStore {
	return stock.NewTxStore(t.db)
}

func (t *txRepo) SaleForUpdate(ctx context.Context, saleID int64) (sales.Sale, error) {
	var s sales.Sale
	err := t.db.QueryRow(ctx, `SELECT id, code, location_id, patient_ref, status, total, paid_at, created_at, updated_at
FROM sales WHERE id = $1 FOR UPDATE`, saleID).
		Scan(&s.ID, &s.Code, &s.LocationID, &s.PatientRef, &s.Status, &s.Total, &s.PaidAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return sales.Sale{}, sales.ErrSaleNotFound
	}
	if err != nil {
		return sales.Sale{}, err
	}
	rows, err := t.db.Query(ctx, `SELECT id, sale_id, product_id, description, quantity, unit_price, line_total, line_order
FROM sale_lines WHERE sale_id = $1 ORDER BY line_order ASC, id ASC`, saleID)
	if err != nil {
		return sales.Sale{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l sales.SaleLine
		if err := rows.Scan(&l.ID, &l.SaleID, &l.ProductID, &l.Description, &l.Quantity, &l.UnitPrice, &l.LineTotal, &l.LineOrder); err != nil {
			return sales.Sale{}, err
		}
		s.Lines = append(s.Lines, l)
	}
	return s, rows.Err()
}

func (t *txRepo) SetSaleStatus(ctx context.Context, saleID int64, status sales.Status) error {
	tag, err := t.db.Exec(ctx, `UPDATE sales SET status = $2, updated_at = NOW() WHERE id = $1`, saleID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return sales.ErrSaleNotFound
	}
	return nil
}

func (t *txRepo) InsertRefund(ctx context.Context, r Refund) (int64, error) {
	var id int64
	err := t.db.QueryRow(ctx, `INSERT INTO sale_refunds (sale_id, status, mode, reason, idempotency_key, created_at)
VALUES ($1,$2,$3,$4,$5,NOW()) RETURNING id`,
		r.SaleID, r.Status, r.Mode, r.Reason, r.IdempotencyKey).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, errDuplicateKey
		}
		return 0, err
	}
	return id, nil
}

func (t *txRepo) CompleteRefund(ctx context.Context, refundID int64) error {
	_, err := t.db.Exec(ctx, `UPDATE sale_refunds SET status = $2, completed_at = NOW() WHERE id = $1`,
		refundID, StatusCompleted)
	return err
}

func (t *txRepo) InsertRefundLine(ctx context.Context, l RefundLine) (int64, error) {
	var id int64
	err := t.db.QueryRow(ctx, `INSERT INTO sale_refund_lines (refund_id, sale_line_id, qty_refunded, amount_refunded)
VALUES ($1,$2,$3,$4) RETURNING id`,
		l.RefundID, l.SaleLineID, l.QtyRefunded, l.AmountRefunded).Scan(&id)
	return id, err
}

func (t *txRepo) RefundedQtyBySaleLine(ctx context.Context, saleID int64) (map[int64]float64, error) {
	rows, err := t.db.Query(ctx, `SELECT rl.sale_line_id, SUM(rl.qty_refunded)
FROM sale_refund_lines rl
JOIN sale_refunds r ON r.id = rl.refund_id
WHERE r.sale_id = $1 AND r.status = 'completed'
GROUP BY rl.sale_line_id`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int64]float64{}
	for rows.Next() {
		var lineID int64
		var qty float64
		if err := rows.Scan(&lineID, &qty); err != nil {
			return nil, err
		}
		out[lineID] = qty
	}
	return out, rows.Err()
}

func (t *txRepo) GetByIdempotencyKey(ctx context.Context, saleID int64, key string) (Refund, error) {
	return getByKey(ctx, t.db, saleID, key)
}

func (t *txRepo) HasCompletedRefunds(ctx context.Context, saleID int64) (bool, error) {
	var exists bool
	err := t.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sale_refunds WHERE sale_id = $1 AND status = 'completed')`,
		saleID).Scan(&exists)
	return exists, err
}

const refundColumns = `id, sale_id, status, mode, reason, idempotency_key, created_at, completed_at`

func scanRefund(row pgx.Row) (Refund, error) {
	var r Refund
	err := row.Scan(&r.ID, &r.SaleID, &r.Status, &r.Mode, &r.Reason, &r.IdempotencyKey, &r.CreatedAt, &r.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Refund{}, ErrRefundNotFound
	}
	return r, err
}

func getByKey(ctx context.Context, q dbtx, saleID int64, key string) (Refund, error) {
	r, err := scanRefund(q.QueryRow(ctx, `SELECT `+refundColumns+` FROM sale_refunds
WHERE sale_id = $1 AND idempotency_key = $2`, saleID, key))
	if err != nil {
		return Refund{}, err
	}
	r.Lines, err = loadRefundLines(ctx, q, r.ID)
	return r, err
}

func loadRefundLines(ctx context.Context, q dbtx, refundID int64) ([]RefundLine, error) {
	rows, err := q.Query(ctx, `SELECT id, refund_id, sale_line_id, qty_refunded, amount_refunded
FROM sale_refund_lines WHERE refund_id = $1 ORDER BY id ASC`, refundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lines := []RefundLine{}
	for rows.Next() {
		var l RefundLine
		if err := rows.Scan(&l.ID, &l.RefundID, &l.SaleLineID, &l.QtyRefunded, &l.AmountRefunded); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// FindByIdempotencyKey reads a refund by key outside any transaction. The
// service uses it to resolve a storage-level duplicate-key race into a
// replay.
func (r *Repository) FindByIdempotencyKey(ctx context.Context, saleID int64, key string) (Refund, error) {
	return getByKey(ctx, r.pool, saleID, key)
}

// List returns the refund history of a sale in creation order, lines loaded.
func (r *Repository) List(ctx context.Context, saleID int64) ([]Refund, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+refundColumns+` FROM sale_refunds
WHERE sale_id = $1 ORDER BY id ASC`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	refunds := []Refund{}
	for rows.Next() {
		var ref Refund
		if err := rows.Scan(&ref.ID, &ref.SaleID, &ref.Status, &ref.Mode, &ref.Reason, &ref.IdempotencyKey, &ref.CreatedAt, &ref.CompletedAt); err != nil {
			return nil, err
		}
		refunds = append(refunds, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range refunds {
		refunds[i].Lines, err = loadRefundLines(ctx, r.pool, refunds[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return refunds, nil
}

// InsertFailedAudit records a failed refund attempt in its own transaction,
// after the main transaction rolled back. The key is dropped so a retry with
// the same key is not blocked by the audit row.
func (r *Repository) InsertFailedAudit(ctx context.Context, saleID int64, mode Mode, reason, detail string) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO sale_refunds (sale_id, status, mode, reason, failure_detail, created_at)
VALUES ($1,$2,$3,$4,$5,NOW())`, saleID, StatusFailed, mode, reason, detail)
	return err
}
