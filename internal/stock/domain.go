package stock

import (
	"errors"
	"fmt"
	"time"
)

// Epsilon bounds float comparisons on quantities.
const Epsilon = 1e-9

// MoveType classifies ledger entries.
type MoveType string

const (
	MoveIn         MoveType = "IN"
	MoveOut        MoveType = "OUT"
	MoveRefundIn   MoveType = "REFUND_IN"
	MoveAdjustment MoveType = "ADJUSTMENT"
)

// RefKind names the document a move references.
type RefKind string

const (
	RefSale       RefKind = "sale"
	RefRefund     RefKind = "refund"
	RefReceipt    RefKind = "receipt"
	RefAdjustment RefKind = "adjustment"
)

// Move is an immutable ledger entry. Quantity is signed: IN and REFUND_IN are
// positive, OUT is negative, ADJUSTMENT carries either sign. On-hand for a
// (product, location, batch) triple is the sum of its move quantities.
type Move struct {
	ID           int64     `json:"id"`
	Type         MoveType  `json:"move_type"`
	ProductID    int64     `json:"product_id"`
	LocationID   int64     `json:"location_id"`
	BatchID      *int64    `json:"batch_id,omitempty"`
	Quantity     float64   `json:"quantity"`
	RefKind      RefKind   `json:"ref_kind"`
	RefID        int64     `json:"ref_id"`
	SaleLineID   *int64    `json:"sale_line_id,omitempty"`
	SourceMoveID *int64    `json:"source_move_id,omitempty"`
	Note         string    `json:"note,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// OnHand is the derived aggregate per (product, location, batch). A nil
// BatchID row is the undifferentiated counter of a non-lot-tracked product.
type OnHand struct {
	ProductID  int64     `json:"product_id"`
	LocationID int64     `json:"location_id"`
	BatchID    *int64    `json:"batch_id,omitempty"`
	Quantity   float64   `json:"quantity"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BatchStock is a locked on-hand snapshot row handed to the allocator.
type BatchStock struct {
	BatchID  int64
	LotCode  string
	Expiry   *time.Time
	Quantity float64
}

// Allocation is one (batch, quantity) slice of an allocation plan.
type Allocation struct {
	BatchID  int64
	Quantity float64
}

// Outcome codes reported to the observability recorder.
const (
	OutcomeSuccess           = "success"
	OutcomeIdempotent        = "idempotent"
	OutcomeInsufficientStock = "insufficient_stock"
	OutcomeExpiredBatch      = "expired_batch"
	OutcomeError             = "error"
)

// InsufficientStockError reports demand that no valid allocation covers.
type InsufficientStockError struct {
	ProductID  int64
	LocationID int64
	Requested  float64
	Available  float64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("stock: insufficient stock for product %d at location %d: requested %.4f, available %.4f",
		e.ProductID, e.LocationID, e.Requested, e.Available)
}

// ExpiredBatchError reports that stock exists only in expired batches.
type ExpiredBatchError struct {
	ProductID  int64
	LocationID int64
}

func (e *ExpiredBatchError) Error() string {
	return fmt.Sprintf("stock: only expired batches available for product %d at location %d", e.ProductID, e.LocationID)
}

// ErrInvalidQuantity rejects zero or wrongly-signed quantities.
var ErrInvalidQuantity = errors.New("stock: invalid quantity")

// ErrDuplicateReversal indicates a refund tried to reverse the same source
// move twice. The storage layer raises it from the unique index.
var ErrDuplicateReversal = errors.New("stock: source move already reversed by this refund")

// ErrBatchRequired rejects inbound stock for a lot-tracked product without a batch.
var ErrBatchRequired = errors.New("stock: batch required for lot-tracked product")
