package refunds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/clinova-health/clinova/internal/observability"
	"github.com/clinova-health/clinova/internal/sales"
	"github.com/clinova-health/clinova/internal/stock"
)

// Store abstracts the repository for the service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error
	List(ctx context.Context, saleID int64) ([]Refund, error)
	FindByIdempotencyKey(ctx context.Context, saleID int64, key string) (Refund, error)
	InsertFailedAudit(ctx context.Context, saleID int64, mode Mode, reason, detail string) error
}

// StockReverser is the reversal side of the stock service.
type StockReverser interface {
	ReverseSale(ctx context.Context, tx stock.TxStore, saleID, refundID int64) ([]stock.Move, error)
	ReverseLine(ctx context.Context, tx stock.TxStore, saleLineID, refundID int64, qty float64) ([]stock.Move, error)
}

// Service is the refund engine. Both modes run in a single transaction that
// carries the refund rows, the REFUND_IN moves and any sale status change.
type Service struct {
	store    Store
	stock    StockReverser
	recorder observability.OperationRecorder
	logger   *slog.Logger
}

// NewService constructs refund service.
func NewService(store Store, stockSvc StockReverser, recorder observability.OperationRecorder, logger *slog.Logger) *Service {
	if recorder == nil {
		recorder = observability.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, stock: stockSvc, recorder: recorder, logger: logger}
}

// CreateFull reverses a whole paid sale in one shot: every OUT move is
// mirrored exactly once and the sale becomes refunded (terminal). It is not
// decomposed by line and runs no cumulative checks; a sale with completed
// partial refunds must continue through partial refunds instead.
func (s *Service) CreateFull(ctx context.Context, saleID int64, reason string) (Refund, error) {
	start := time.Now()
	outcome := stock.OutcomeError
	defer func() {
		s.recorder.Record("refund_full", outcome, time.Since(start))
	}()

	var result Refund
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sale, err := tx.SaleForUpdate(ctx, saleID)
		if err != nil {
			return err
		}
		if !sales.CanTransition(sale.Status, sales.StatusRefunded) {
			return &sales.InvalidTransitionError{From: sale.Status, To: sales.StatusRefunded}
		}
		partial, err := tx.HasCompletedRefunds(ctx, saleID)
		if err != nil {
			return err
		}
		if partial {
			return ErrPartiallyRefunded
		}

		refund := Refund{SaleID: saleID, Status: StatusDraft, Mode: ModeFull, Reason: reason}
		refund.ID, err = tx.InsertRefund(ctx, refund)
		if err != nil {
			return err
		}
		if _, err := s.stock.ReverseSale(ctx, tx.Stock(), saleID, refund.ID); err != nil {
			return err
		}
		for _, l := range sale.Lines {
			line := RefundLine{
				RefundID:       refund.ID,
				SaleLineID:     l.ID,
				QtyRefunded:    l.Quantity,
				AmountRefunded: l.LineTotal,
			}
			line.ID, err = tx.InsertRefundLine(ctx, line)
			if err != nil {
				return err
			}
			refund.Lines = append(refund.Lines, line)
		}
		if err := tx.SetSaleStatus(ctx, saleID, sales.StatusRefunded); err != nil {
			return err
		}
		if err := tx.CompleteRefund(ctx, refund.ID); err != nil {
			return err
		}
		refund.Status = StatusCompleted
		now := time.Now().UTC()
		refund.CompletedAt = &now
		result = refund
		return nil
	})
	if err != nil {
		s.logger.Warn("full refund failed", slog.Int64("sale_id", saleID), slog.Any("error", err))
		return Refund{}, err
	}
	outcome = stock.OutcomeSuccess
	s.logger.Info("full refund completed", slog.Int64("sale_id", saleID), slog.Int64("refund_id", result.ID))
	return result, nil
}

// PartialLine is one requested line reversal.
type PartialLine struct {
	SaleLineID     int64
	QtyRefunded    float64
	AmountRefunded float64
}

// PartialInput is the partial refund request.
type PartialInput struct {
	SaleID         int64
	Reason         string
	IdempotencyKey *string
	Lines          []PartialLine
}

// CreatePartial reverses the requested quantities against the original OUT
// moves of each line, in creation order, bounded by the cumulative refund
// limit. The sale stays paid. The returned bool reports an idempotent
// replay: the same key with an identical payload returns the existing refund
// unchanged.
func (s *Service) CreatePartial(ctx context.Context, in PartialInput) (Refund, bool, error) {
	start := time.Now()
	outcome := stock.OutcomeError
	defer func() {
		s.recorder.Record("refund_partial", outcome, time.Since(start))
	}()

	if len(in.Lines) == 0 {
		return Refund{}, false, ErrNoLines
	}
	seen := map[int64]bool{}
	for _, l := range in.Lines {
		if l.QtyRefunded <= stock.Epsilon {
			return Refund{}, false, fmt.Errorf("refunds: sale line %d: %w", l.SaleLineID, stock.ErrInvalidQuantity)
		}
		if seen[l.SaleLineID] {
			return Refund{}, false, fmt.Errorf("refunds: sale line %d requested twice", l.SaleLineID)
		}
		seen[l.SaleLineID] = true
	}

	var result Refund
	replayed := false
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sale, err := tx.SaleForUpdate(ctx, in.SaleID)
		if err != nil {
			return err
		}
		if sale.Status != sales.StatusPaid {
			return fmt.Errorf("%w: status %s", ErrSaleNotRefundable, sale.Status)
		}

		if in.IdempotencyKey != nil {
			existing, err := tx.GetByIdempotencyKey(ctx, in.SaleID, *in.IdempotencyKey)
			switch {
			case err == nil:
				if !payloadMatches(existing, in.Lines) {
					return ErrIdempotencyConflict
				}
				result = existing
				replayed = true
				return nil
			case !errors.Is(err, ErrRefundNotFound):
				return err
			}
		}

		refunded, err := tx.RefundedQtyBySaleLine(ctx, in.SaleID)
		if err != nil {
			return err
		}
		lineByID := map[int64]sales.SaleLine{}
		for _, l := range sale.Lines {
			lineByID[l.ID] = l
		}
		for _, req := range in.Lines {
			sl, ok := lineByID[req.SaleLineID]
			if !ok {
				return fmt.Errorf("refunds: sale line %d does not belong to sale %d", req.SaleLineID, in.SaleID)
			}
			available := sl.Quantity - refunded[sl.ID]
			if req.QtyRefunded > available+stock.Epsilon {
				return &OverRefundError{SaleLineID: sl.ID, Requested: req.QtyRefunded, Available: available}
			}
		}

		refund := Refund{SaleID: in.SaleID, Status: StatusDraft, Mode: ModePartial, Reason: in.Reason, IdempotencyKey: in.IdempotencyKey}
		refund.ID, err = tx.InsertRefund(ctx, refund)
		if err != nil {
			return err
		}
		for _, req := range in.Lines {
			sl := lineByID[req.SaleLineID]
			if sl.ProductID != nil {
				if _, err := s.stock.ReverseLine(ctx, tx.Stock(), sl.ID, refund.ID, req.QtyRefunded); err != nil {
					return err
				}
			}
			line := RefundLine{
				RefundID:       refund.ID,
				SaleLineID:     sl.ID,
				QtyRefunded:    req.QtyRefunded,
				AmountRefunded: req.AmountRefunded,
			}
			line.ID, err = tx.InsertRefundLine(ctx, line)
			if err != nil {
				return err
			}
			refund.Lines = append(refund.Lines, line)
		}
		if err := tx.CompleteRefund(ctx, refund.ID); err != nil {
			return err
		}
		refund.Status = StatusCompleted
		now := time.Now().UTC()
		refund.CompletedAt = &now
		result = refund
		return nil
	})

	if err != nil {
		if err = s.resolvePartialFailure(ctx, in, err, &result, &replayed); err != nil {
			return Refund{}, false, err
		}
	}
	if replayed {
		outcome = stock.OutcomeIdempotent
		s.logger.Info("partial refund replayed", slog.Int64("sale_id", in.SaleID), slog.Int64("refund_id", result.ID))
		return result, true, nil
	}
	outcome = stock.OutcomeSuccess
	s.logger.Info("partial refund completed", slog.Int64("sale_id", in.SaleID), slog.Int64("refund_id", result.ID))
	return result, false, nil
}

// resolvePartialFailure turns a duplicate-key race into a replay and records
// a failed audit row for business-rule rejections. The main transaction has
// already rolled back; the audit row is best-effort in its own transaction.
func (s *Service) resolvePartialFailure(ctx context.Context, in PartialInput, err error, result *Refund, replayed *bool) error {
	if errors.Is(err, errDuplicateKey) && in.IdempotencyKey != nil {
		existing, ferr := s.store.FindByIdempotencyKey(ctx, in.SaleID, *in.IdempotencyKey)
		if ferr == nil && payloadMatches(existing, in.Lines) {
			*result = existing
			*replayed = true
			return nil
		}
		return ErrIdempotencyConflict
	}

	var ore *OverRefundError
	if errors.As(err, &ore) {
		if auditErr := s.store.InsertFailedAudit(ctx, in.SaleID, ModePartial, in.Reason, err.Error()); auditErr != nil {
			s.logger.Error("record failed refund", slog.Int64("sale_id", in.SaleID), slog.Any("error", auditErr))
		}
	}
	s.logger.Warn("partial refund failed", slog.Int64("sale_id", in.SaleID), slog.Any("error", err))
	return err
}

// List returns the refund history of a sale.
func (s *Service) List(ctx context.Context, saleID int64) ([]Refund, error) {
	return s.store.List(ctx, saleID)
}

func payloadMatches(existing Refund, lines []PartialLine) bool {
	if existing.Status != StatusCompleted || len(existing.Lines) != len(lines) {
		return false
	}
	byLine := map[int64]RefundLine{}
	for _, l := range existing.Lines {
		byLine[l.SaleLineID] = l
	}
	for _, req := range lines {
		prev, ok := byLine[req.SaleLineID]
		if !ok {
			return false
		}
		if math.Abs(prev.QtyRefunded-req.QtyRefunded) > stock.Epsilon ||
			math.Abs(prev.AmountRefunded-req.AmountRefunded) > stock.Epsilon {
			return false
		}
	}
	return true
}
