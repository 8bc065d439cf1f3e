package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Store abstracts the repository for the service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxStore) error) error
	OnHandList(ctx context.Context, f OnHandFilter) ([]OnHand, error)
	LedgerList(ctx context.Context, f LedgerFilter) ([]Move, error)
}

// CatalogPort supplies the product metadata the ledger needs.
type CatalogPort interface {
	TracksLots(ctx context.Context, productID int64) (bool, error)
}

// Service owns ledger writes. ConsumeSale, ReverseSale and ReverseLine run
// inside a transaction owned by the sales or refund service; Receive and
// Adjust open their own.
type Service struct {
	store   Store
	catalog CatalogPort
	logger  *slog.Logger
}

// NewService constructs stock service.
func NewService(store Store, catalog CatalogPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, catalog: catalog, logger: logger}
}

// ConsumeLine is one sale line to consume. Service lines never reach here;
// the caller filters them out.
type ConsumeLine struct {
	SaleLineID int64
	ProductID  int64
	Quantity   float64
}

// ConsumeSaleInput is the consumption request for one sale payment.
type ConsumeSaleInput struct {
	SaleID     int64
	LocationID int64
	Lines      []ConsumeLine
}

// ConsumeResult reports how a consumption request ended.
type ConsumeResult struct {
	Outcome string
	Moves   []Move
}

// ConsumeSale writes one OUT move per allocated batch slice for every line,
// decrementing on-hand under row locks. If OUT moves already reference the
// sale the whole call is a no-op reported as idempotent. Any line failure
// leaves the transaction poisoned for rollback by the caller.
func (s *Service) ConsumeSale(ctx context.Context, tx TxStore, in ConsumeSaleInput) (ConsumeResult, error) {
	existing, err := tx.MovesByRef(ctx, RefSale, in.SaleID)
	if err != nil {
		return ConsumeResult{Outcome: OutcomeError}, fmt.Errorf("stock: check prior consumption: %w", err)
	}
	for _, m := range existing {
		if m.Type == MoveOut {
			s.logger.Info("sale already consumed", slog.Int64("sale_id", in.SaleID))
			return ConsumeResult{Outcome: OutcomeIdempotent, Moves: existing}, nil
		}
	}

	now := time.Now().UTC()
	var created []Move
	for _, line := range in.Lines {
		if line.Quantity <= Epsilon {
			return ConsumeResult{Outcome: OutcomeError}, ErrInvalidQuantity
		}
		tracked, err := s.catalog.TracksLots(ctx, line.ProductID)
		if err != nil {
			return ConsumeResult{Outcome: OutcomeError}, fmt.Errorf("stock: product %d metadata: %w", line.ProductID, err)
		}

		var moves []Move
		if tracked {
			moves, err = s.consumeLotLine(ctx, tx, in, line, now)
		} else {
			moves, err = s.consumePlainLine(ctx, tx, in, line)
		}
		if err != nil {
			return ConsumeResult{Outcome: outcomeFor(err)}, err
		}
		created = append(created, moves...)
	}
	return ConsumeResult{Outcome: OutcomeSuccess, Moves: created}, nil
}

func (s *Service) consumeLotLine(ctx context.Context, tx TxStore, in ConsumeSaleInput, line ConsumeLine, now time.Time) ([]Move, error) {
	batches, err := tx.BatchStockForUpdate(ctx, line.ProductID, in.LocationID)
	if err != nil {
		return nil, fmt.Errorf("stock: lock batches for product %d: %w", line.ProductID, err)
	}
	plan, err := Allocate(batches, line.Quantity, now)
	if err != nil {
		annotateAllocationError(err, line.ProductID, in.LocationID)
		return nil, err
	}

	saleLineID := line.SaleLineID
	moves := make([]Move, 0, len(plan))
	for _, a := range plan {
		batchID := a.BatchID
		m := Move{
			Type:       MoveOut,
			ProductID:  line.ProductID,
			LocationID: in.LocationID,
			BatchID:    &batchID,
			Quantity:   -a.Quantity,
			RefKind:    RefSale,
			RefID:      in.SaleID,
			SaleLineID: &saleLineID,
		}
		m.ID, err = tx.InsertMove(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("stock: insert OUT move: %w", err)
		}
		if err := tx.ApplyDelta(ctx, line.ProductID, in.LocationID, &batchID, -a.Quantity); err != nil {
			return nil, fmt.Errorf("stock: apply delta: %w", err)
		}
		moves = append(moves, m)
	}
	return moves, nil
}

func (s *Service) consumePlainLine(ctx context.Context, tx TxStore, in ConsumeSaleInput, line ConsumeLine) ([]Move, error) {
	available, err := tx.OnHandForUpdate(ctx, line.ProductID, in.LocationID, nil)
	if err != nil {
		return nil, fmt.Errorf("stock: lock on-hand for product %d: %w", line.ProductID, err)
	}
	if available+Epsilon < line.Quantity {
		return nil, &InsufficientStockError{
			ProductID:  line.ProductID,
			LocationID: in.LocationID,
			Requested:  line.Quantity,
			Available:  available,
		}
	}

	saleLineID := line.SaleLineID
	m := Move{
		Type:       MoveOut,
		ProductID:  line.ProductID,
		LocationID: in.LocationID,
		Quantity:   -line.Quantity,
		RefKind:    RefSale,
		RefID:      in.SaleID,
		SaleLineID: &saleLineID,
	}
	m.ID, err = tx.InsertMove(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("stock: insert OUT move: %w", err)
	}
	if err := tx.ApplyDelta(ctx, line.ProductID, in.LocationID, nil, -line.Quantity); err != nil {
		return nil, fmt.Errorf("stock: apply delta: %w", err)
	}
	return []Move{m}, nil
}

// ReverseSale mirrors every OUT move of a sale as a REFUND_IN move pointing
// back at its source, restoring stock to the exact original batch and
// location. The full-refund engine calls it once per sale; re-running is
// blocked upstream by the terminal state check.
func (s *Service) ReverseSale(ctx context.Context, tx TxStore, saleID, refundID int64) ([]Move, error) {
	moves, err := tx.MovesByRef(ctx, RefSale, saleID)
	if err != nil {
		return nil, fmt.Errorf("stock: load sale moves: %w", err)
	}
	var created []Move
	for _, out := range moves {
		if out.Type != MoveOut {
			continue
		}
		sourceID := out.ID
		m := Move{
			Type:         MoveRefundIn,
			ProductID:    out.ProductID,
			LocationID:   out.LocationID,
			BatchID:      out.BatchID,
			Quantity:     -out.Quantity,
			RefKind:      RefRefund,
			RefID:        refundID,
			SaleLineID:   out.SaleLineID,
			SourceMoveID: &sourceID,
		}
		m.ID, err = tx.InsertMove(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("stock: insert REFUND_IN move: %w", err)
		}
		if err := tx.ApplyDelta(ctx, out.ProductID, out.LocationID, out.BatchID, -out.Quantity); err != nil {
			return nil, fmt.Errorf("stock: apply delta: %w", err)
		}
		created = append(created, m)
	}
	return created, nil
}

// ReverseLine restores qty for one sale line by consuming its OUT moves in
// creation order, never by FEFO re-allocation. Each touched source move gets
// one REFUND_IN bounded by that move's remaining reversal capacity.
func (s *Service) ReverseLine(ctx context.Context, tx TxStore, saleLineID, refundID int64, qty float64) ([]Move, error) {
	if qty <= Epsilon {
		return nil, ErrInvalidQuantity
	}
	sources, err := tx.OutMovesWithReversals(ctx, saleLineID)
	if err != nil {
		return nil, fmt.Errorf("stock: load source moves: %w", err)
	}

	remaining := qty
	var created []Move
	for _, src := range sources {
		if remaining <= Epsilon {
			break
		}
		capacity := -src.Move.Quantity - src.Reversed
		if capacity <= Epsilon {
			continue
		}
		take := math.Min(capacity, remaining)
		sourceID := src.Move.ID
		m := Move{
			Type:         MoveRefundIn,
			ProductID:    src.Move.ProductID,
			LocationID:   src.Move.LocationID,
			BatchID:      src.Move.BatchID,
			Quantity:     take,
			RefKind:      RefRefund,
			RefID:        refundID,
			SaleLineID:   src.Move.SaleLineID,
			SourceMoveID: &sourceID,
		}
		m.ID, err = tx.InsertMove(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("stock: insert REFUND_IN move: %w", err)
		}
		if err := tx.ApplyDelta(ctx, src.Move.ProductID, src.Move.LocationID, src.Move.BatchID, take); err != nil {
			return nil, fmt.Errorf("stock: apply delta: %w", err)
		}
		created = append(created, m)
		remaining -= take
	}
	if remaining > Epsilon {
		return nil, fmt.Errorf("stock: sale line %d has %.4f unreversed, requested %.4f", saleLineID, qty-remaining, qty)
	}
	return created, nil
}

// ReceiveInput posts inbound stock.
type ReceiveInput struct {
	ProductID  int64
	LocationID int64
	BatchID    *int64
	Quantity   float64
	RefID      int64
	Note       string
}

// Receive appends an IN move. This is the only way stock enters the ledger.
func (s *Service) Receive(ctx context.Context, in ReceiveInput) (Move, error) {
	if in.Quantity <= Epsilon {
		return Move{}, ErrInvalidQuantity
	}
	tracked, err := s.catalog.TracksLots(ctx, in.ProductID)
	if err != nil {
		return Move{}, err
	}
	if tracked && in.BatchID == nil {
		return Move{}, ErrBatchRequired
	}
	if !tracked {
		in.BatchID = nil
	}

	var created Move
	err = s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		m := Move{
			Type:       MoveIn,
			ProductID:  in.ProductID,
			LocationID: in.LocationID,
			BatchID:    in.BatchID,
			Quantity:   in.Quantity,
			RefKind:    RefReceipt,
			RefID:      in.RefID,
			Note:       in.Note,
		}
		var err error
		m.ID, err = tx.InsertMove(ctx, m)
		if err != nil {
			return err
		}
		if err := tx.ApplyDelta(ctx, in.ProductID, in.LocationID, in.BatchID, in.Quantity); err != nil {
			return err
		}
		created = m
		return nil
	})
	if err != nil {
		return Move{}, err
	}
	s.logger.Info("stock received",
		slog.Int64("product_id", in.ProductID),
		slog.Int64("location_id", in.LocationID),
		slog.Float64("quantity", in.Quantity))
	return created, nil
}

// AdjustInput posts a signed correction.
type AdjustInput struct {
	ProductID  int64
	LocationID int64
	BatchID    *int64
	Quantity   float64
	Note       string
}

// Adjust appends an ADJUSTMENT move. Negative adjustments are bounded by the
// locked on-hand quantity so a committed balance never goes below zero.
func (s *Service) Adjust(ctx context.Context, in AdjustInput) (Move, error) {
	if math.Abs(in.Quantity) <= Epsilon {
		return Move{}, ErrInvalidQuantity
	}
	var created Move
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		available, err := tx.OnHandForUpdate(ctx, in.ProductID, in.LocationID, in.BatchID)
		if err != nil {
			return err
		}
		if in.Quantity < 0 && available+in.Quantity < -Epsilon {
			return &InsufficientStockError{
				ProductID:  in.ProductID,
				LocationID: in.LocationID,
				Requested:  -in.Quantity,
				Available:  available,
			}
		}
		m := Move{
			Type:       MoveAdjustment,
			ProductID:  in.ProductID,
			LocationID: in.LocationID,
			BatchID:    in.BatchID,
			Quantity:   in.Quantity,
			RefKind:    RefAdjustment,
			Note:       in.Note,
		}
		m.ID, err = tx.InsertMove(ctx, m)
		if err != nil {
			return err
		}
		if err := tx.ApplyDelta(ctx, in.ProductID, in.LocationID, in.BatchID, in.Quantity); err != nil {
			return err
		}
		created = m
		return nil
	})
	if err != nil {
		return Move{}, err
	}
	return created, nil
}

// OnHand lists on-hand aggregates.
func (s *Service) OnHand(ctx context.Context, f OnHandFilter) ([]OnHand, error) {
	return s.store.OnHandList(ctx, f)
}

// Ledger lists ledger entries.
func (s *Service) Ledger(ctx context.Context, f LedgerFilter) ([]Move, error) {
	return s.store.LedgerList(ctx, f)
}

func annotateAllocationError(err error, productID, locationID int64) {
	var ise *InsufficientStockError
	if errors.As(err, &ise) {
		ise.ProductID = productID
		ise.LocationID = locationID
		return
	}
	var ebe *ExpiredBatchError
	if errors.As(err, &ebe) {
		ebe.ProductID = productID
		ebe.LocationID = locationID
	}
}

func outcomeFor(err error) string {
	var ise *InsufficientStockError
	if errors.As(err, &ise) {
		return OutcomeInsufficientStock
	}
	var ebe *ExpiredBatchError
	if errors.As(err, &ebe) {
		return OutcomeExpiredBatch
	}
	return OutcomeError
}
