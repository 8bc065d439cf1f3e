package refunds

import (
	"errors"
	"fmt"
	"time"
)

// Status is the refund lifecycle state. A refund row transitions
// draft→completed inside one transaction; failed rows are audit records with
// no stock-side effects.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Mode distinguishes the whole-sale mirror from the line-level reversal.
type Mode string

const (
	ModeFull    Mode = "full"
	ModePartial Mode = "partial"
)

// Refund is the refund header.
type Refund struct {
	ID             int64        `json:"id"`
	SaleID         int64        `json:"sale_id"`
	Status         Status       `json:"status"`
	Mode           Mode         `json:"mode"`
	Reason         string       `json:"reason,omitempty"`
	IdempotencyKey *string      `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	Lines          []RefundLine `json:"lines"`
}

// RefundLine is the financial reversal of one sale line.
type RefundLine struct {
	ID             int64   `json:"id"`
	RefundID       int64   `json:"refund_id"`
	SaleLineID     int64   `json:"sale_line_id"`
	QtyRefunded    float64 `json:"qty_refunded"`
	AmountRefunded float64 `json:"amount_refunded"`
}

// OverRefundError reports a cumulative refund exceeding the sold quantity.
type OverRefundError struct {
	SaleLineID int64
	Requested  float64
	Available  float64
}

func (e *OverRefundError) Error() string {
	return fmt.Sprintf("refunds: sale line %d over-refund: requested %.4f, available %.4f",
		e.SaleLineID, e.Requested, e.Available)
}

// ErrIdempotencyConflict reports a reused key with a different payload. A
// replay with an identical payload returns the existing refund instead.
var ErrIdempotencyConflict = errors.New("refunds: idempotency key already used with a different payload")

// ErrSaleNotRefundable rejects refunds against a sale that is not paid.
var ErrSaleNotRefundable = errors.New("refunds: sale is not paid")

// ErrPartiallyRefunded blocks a full refund once partial refunds completed;
// remaining quantities go through further partial refunds.
var ErrPartiallyRefunded = errors.New("refunds: sale has completed partial refunds, full refund unavailable")

// ErrRefundNotFound indicates a missing refund.
var ErrRefundNotFound = errors.New("refunds: refund not found")

// ErrNoLines rejects a partial refund without lines.
var ErrNoLines = errors.New("refunds: partial refund requires at least one line")

// errDuplicateKey surfaces the storage unique constraint on
// (sale_id, idempotency_key); the service resolves it into a replay or a
// conflict.
var errDuplicateKey = errors.New("refunds: duplicate idempotency key")
