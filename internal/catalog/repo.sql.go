package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Repository persists catalog data in PostgreSQL.
type Repository struct {
	db dbtx
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// NewRepositoryWithDB constructs Repository over an arbitrary query executor,
// used by repository tests.
func NewRepositoryWithDB(db dbtx) *Repository {
	return &Repository{db: db}
}

// CreateProduct inserts a product and returns its id.
func (r *Repository) CreateProduct(ctx context.Context, p Product) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `INSERT INTO products (sku, name, tracks_lots, is_service, active, created_at)
VALUES ($1,$2,$3,$4,$5,NOW()) RETURNING id`, p.SKU, p.Name, p.TracksLots, p.IsService, p.Active).Scan(&id)
	return id, err
}

// GetProduct fetches a product by id.
func (r *Repository) GetProduct(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := r.db.QueryRow(ctx, `SELECT id, sku, name, tracks_lots, is_service, active, created_at
FROM products WHERE id=$1`, id).Scan(&p.ID, &p.SKU, &p.Name, &p.TracksLots, &p.IsService, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrProductNotFound
		}
		return Product{}, err
	}
	return p, nil
}

// CreateBatch inserts a batch. A duplicate lot code per product maps to
// ErrDuplicateLot via the unique constraint.
func (r *Repository) CreateBatch(ctx context.Context, b Batch) (int64, error) {
	receivedAt := b.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	var id int64
	err := r.db.QueryRow(ctx, `INSERT INTO batches (product_id, lot_code, expiry_date, received_at, created_at)
VALUES ($1,$2,$3,$4,NOW()) RETURNING id`, b.ProductID, b.LotCode, b.ExpiryDate, receivedAt).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrDuplicateLot
		}
		return 0, err
	}
	return id, nil
}

// GetBatch fetches a batch by id.
func (r *Repository) GetBatch(ctx context.Context, id int64) (Batch, error) {
	var b Batch
	err := r.db.QueryRow(ctx, `SELECT id, product_id, lot_code, expiry_date, received_at, created_at
FROM batches WHERE id=$1`, id).Scan(&b.ID, &b.ProductID, &b.LotCode, &b.ExpiryDate, &b.ReceivedAt, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, err
	}
	return b, nil
}

// ListBatches returns batches for a product in creation order.
func (r *Repository) ListBatches(ctx context.Context, productID int64) ([]Batch, error) {
	rows, err := r.db.Query(ctx, `SELECT id, product_id, lot_code, expiry_date, received_at, created_at
FROM batches WHERE product_id=$1 ORDER BY id ASC`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	batches := []Batch{}
	for rows.Next() {
		var b Batch
		if err := rows.Scan(&b.ID, &b.ProductID, &b.LotCode, &b.ExpiryDate, &b.ReceivedAt, &b.CreatedAt); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}
