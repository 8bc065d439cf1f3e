package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRefundsCleanup purges failed refund audit rows past retention.
	TaskRefundsCleanup = "refunds:cleanup_failed"
	// TaskBatchExpiryScan reports batches with stock on hand that expire soon.
	TaskBatchExpiryScan = "stock:expiry_scan"
)

// RefundsCleanupPayload bounds the cleanup window.
type RefundsCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewRefundsCleanupTask constructs an Asynq task.
func NewRefundsCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(RefundsCleanupPayload{RetentionHours: int(retention.Hours())})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRefundsCleanup, data), nil
}

// BatchExpiryScanPayload bounds the look-ahead window.
type BatchExpiryScanPayload struct {
	AheadHours int `json:"ahead_hours"`
}

// NewBatchExpiryScanTask constructs an Asynq task.
func NewBatchExpiryScanTask(ahead time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(BatchExpiryScanPayload{AheadHours: int(ahead.Hours())})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBatchExpiryScan, data), nil
}

// Maintenance bundles the database-backed task handlers. Only audit and
// reporting work runs here; the sale and refund paths stay synchronous.
type Maintenance struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewMaintenance constructs Maintenance.
func NewMaintenance(pool *pgxpool.Pool, logger *slog.Logger) *Maintenance {
	return &Maintenance{pool: pool, logger: logger}
}

// HandleRefundsCleanup processes TaskRefundsCleanup tasks. Completed refunds
// are part of the ledger history and are never deleted.
func (m *Maintenance) HandleRefundsCleanup(ctx context.Context, t *asynq.Task) error {
	var payload RefundsCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.RetentionHours <= 0 {
		payload.RetentionHours = 24 * 90
	}
	cutoff := time.Now().UTC().Add(-time.Duration(payload.RetentionHours) * time.Hour)
	tag, err := m.pool.Exec(ctx, `DELETE FROM sale_refunds WHERE status = 'failed' AND created_at < $1`, cutoff)
	if err != nil {
		return err
	}
	m.logger.Info("failed refunds purged",
		slog.Int64("rows", tag.RowsAffected()),
		slog.Time("cutoff", cutoff))
	return nil
}

// HandleBatchExpiryScan processes TaskBatchExpiryScan tasks.
func (m *Maintenance) HandleBatchExpiryScan(ctx context.Context, t *asynq.Task) error {
	var payload BatchExpiryScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.AheadHours <= 0 {
		payload.AheadHours = 24 * 30
	}
	horizon := time.Now().UTC().Add(time.Duration(payload.AheadHours) * time.Hour)
	rows, err := m.pool.Query(ctx, `SELECT b.id, b.product_id, b.lot_code, b.expiry_date, SUM(soh.quantity)
FROM batches b
JOIN stock_on_hand soh ON soh.batch_id = b.id
WHERE b.expiry_date IS NOT NULL AND b.expiry_date <= $1
GROUP BY b.id, b.product_id, b.lot_code, b.expiry_date
HAVING SUM(soh.quantity) > 0
ORDER BY b.expiry_date ASC`, horizon)
	if err != nil {
		return err
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		var batchID, productID int64
		var lotCode string
		var expiryDate time.Time
		var qty float64
		if err := rows.Scan(&batchID, &productID, &lotCode, &expiryDate, &qty); err != nil {
			return err
		}
		m.logger.Warn("batch expiring with stock on hand",
			slog.Int64("batch_id", batchID),
			slog.Int64("product_id", productID),
			slog.String("lot_code", lotCode),
			slog.Time("expiry_date", expiryDate),
			slog.Float64("quantity", qty))
		count++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	m.logger.Info("batch expiry scan done", slog.Int("expiring", count))
	return nil
}
