package sales

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinova-health/clinova/internal/platform/db"
	"github.com/clinova-health/clinova/internal/stock"
)

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// TxRepository is the transactional sales surface. Stock() exposes the
// ledger bound to the same transaction so a payment commits the status
// change and its stock moves atomically.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id int64) (Sale, error)
	InsertSale(ctx context.Context, s Sale) (int64, error)
	InsertLine(ctx context.Context, l SaleLine) (int64, error)
	UpdateStatus(ctx context.Context, id int64, status Status, paidAt *time.Time) error
	Stock() stock.TxStore
}

// Repository persists sales in PostgreSQL.
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

const saleColumns = `id, code, location_id, patient_ref, status, total, paid_at, created_at, updated_at`

func scanSale(row pgx.Row) (Sale, error) {
	var s Sale
	err := row.Scan(&s.ID, &s.Code, &s.LocationID, &s.PatientRef, &s.Status, &s.Total, &s.PaidAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Sale{}, ErrSaleNotFound
	}
	return s, err
}

func loadLines(ctx context.Context, q dbtx, saleID int64) ([]SaleLine, error) {
	rows, err := q.Query(ctx, `SELECT id, sale_id, product_id, description, quantity, unit_price, line_total, line_order
FROM sale_lines WHERE sale_id = $1 ORDER BY line_order ASC, id ASC`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lines := []SaleLine{}
	for rows.Next() {
		var l SaleLine
		if err := rows.Scan(&l.ID, &l.SaleID, &l.ProductID, &l.Description, &l.Quantity, &l.UnitPrice, &l.LineTotal, &l.LineOrder); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (t *txRepo) GetForUpdate(ctx context.Context, id int64) (Sale, error) {
	s, err := scanSale(t.db.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Sale{}, err
	}
	s.Lines, err = loadLines(ctx, t.db, id)
	return s, err
}

func (t *txRepo) InsertSale(ctx context.Context, s Sale) (int64, error) {
	var id int64
	err := t.db.QueryRow(ctx, `INSERT INTO sales (code, location_id, patient_ref, status, total, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW(),NOW()) RETURNING id`,
		s.Code, s.LocationID, s.PatientRef, s.Status, s.Total).Scan(&id)
	return id, err
}

func (t *txRepo) InsertLine(ctx context.Context, l SaleLine) (int64, error) {
	var id int64
	err := t.db.QueryRow(ctx, `INSERT INTO sale_lines (sale_id, product_id, description, quantity, unit_price, line_total, line_order)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		l.SaleID, l.ProductID, l.Description, l.Quantity, l.UnitPrice, l.LineTotal, l.LineOrder).Scan(&id)
	return id, err
}

func (t *txRepo) UpdateStatus(ctx context.Context, id int64, status Status, paidAt *time.Time) error {
	tag, err := t.db.Exec(ctx, `UPDATE sales SET status = $2, paid_at = COALESCE($3, paid_at), updated_at = NOW() WHERE id = $1`,
		id, status, paidAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSaleNotFound
	}
	return nil
}

// Get fetches a sale with lines outside any transaction.
func (r *Repository) Get(ctx context.Context, id int64) (Sale, error) {
	s, err := scanSale(r.pool.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id))
	if err != nil {
		return Sale{}, err
	}
	s.Lines, err = loadLines(ctx, r.pool, id)
	return s, err
}

// ListFilter narrows sale listings.
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}

// List returns sales newest-first, without lines.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]Sale, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT `+saleColumns+` FROM sales
WHERE ($1 = '' OR status = $1)
ORDER BY id DESC LIMIT $2 OFFSET $3`, string(f.Status), limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sales := []Sale{}
	for rows.Next() {
		var s Sale
		if err := rows.Scan(&s.ID, &s.Code, &s.LocationID, &s.PatientRef, &s.Status, &s.Total, &s.PaidAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		sales = append(sales, s)
	}
	return sales, rows.Err()
}
