package sales

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinova-health/clinova/internal/observability"
	"github.com/clinova-health/clinova/internal/stock"
)

// SaleStore abstracts the repository for the service.
type SaleStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error
	Get(ctx context.Context, id int64) (Sale, error)
	List(ctx context.Context, f ListFilter) ([]Sale, error)
}

// StockConsumer is the consumption side of the stock service.
type StockConsumer interface {
	ConsumeSale(ctx context.Context, tx stock.TxStore, in stock.ConsumeSaleInput) (stock.ConsumeResult, error)
}

// Service owns sale creation and the state machine. Payment consumes stock
// in the same transaction that flips the status.
type Service struct {
	store    SaleStore
	stock    StockConsumer
	recorder observability.OperationRecorder
	logger   *slog.Logger
}

// NewService constructs sales service.
func NewService(store SaleStore, stockSvc StockConsumer, recorder observability.OperationRecorder, logger *slog.Logger) *Service {
	if recorder == nil {
		recorder = observability.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, stock: stockSvc, recorder: recorder, logger: logger}
}

// CreateSaleLine is one requested sale position.
type CreateSaleLine struct {
	ProductID   *int64
	Description string
	Quantity    float64
	UnitPrice   float64
}

// CreateSaleInput is the draft sale request.
type CreateSaleInput struct {
	LocationID int64
	PatientRef string
	Lines      []CreateSaleLine
}

// Create persists a draft sale with server-computed totals.
func (s *Service) Create(ctx context.Context, in CreateSaleInput) (Sale, error) {
	if len(in.Lines) == 0 {
		return Sale{}, ErrNoLines
	}
	for _, l := range in.Lines {
		if l.Quantity <= stock.Epsilon {
			return Sale{}, fmt.Errorf("sales: line quantity must be positive: %w", stock.ErrInvalidQuantity)
		}
	}

	sale := Sale{
		Code:       newSaleCode(),
		LocationID: in.LocationID,
		PatientRef: in.PatientRef,
		Status:     StatusDraft,
	}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, l := range in.Lines {
			sale.Total += l.Quantity * l.UnitPrice
		}
		id, err := tx.InsertSale(ctx, sale)
		if err != nil {
			return fmt.Errorf("insert sale: %w", err)
		}
		sale.ID = id
		for i, l := range in.Lines {
			line := SaleLine{
				SaleID:      id,
				ProductID:   l.ProductID,
				Description: l.Description,
				Quantity:    l.Quantity,
				UnitPrice:   l.UnitPrice,
				LineTotal:   l.Quantity * l.UnitPrice,
				LineOrder:   i,
			}
			line.ID, err = tx.InsertLine(ctx, line)
			if err != nil {
				return fmt.Errorf("insert sale line: %w", err)
			}
			sale.Lines = append(sale.Lines, line)
		}
		return nil
	})
	if err != nil {
		return Sale{}, err
	}
	s.logger.Info("sale created", slog.Int64("sale_id", sale.ID), slog.String("code", sale.Code))
	return sale, nil
}

// Get returns a sale with lines.
func (s *Service) Get(ctx context.Context, id int64) (Sale, error) {
	return s.store.Get(ctx, id)
}

// List returns sales matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Sale, error) {
	return s.store.List(ctx, f)
}

// Transition moves a sale along the state machine. pending→paid additionally
// consumes stock for every product line; a consumption failure aborts the
// whole transition. The refunded edge is reserved for the refund engine.
func (s *Service) Transition(ctx context.Context, saleID int64, target Status) (Sale, error) {
	start := time.Now()
	outcome := stock.OutcomeError
	defer func() {
		s.recorder.Record("sale_transition", outcome, time.Since(start))
	}()

	if !ValidStatus(target) {
		return Sale{}, fmt.Errorf("sales: unknown status %q", target)
	}

	var updated Sale
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sale, err := tx.GetForUpdate(ctx, saleID)
		if err != nil {
			return err
		}
		if target == StatusRefunded || !CanTransition(sale.Status, target) {
			return &InvalidTransitionError{From: sale.Status, To: target}
		}

		var paidAt *time.Time
		if target == StatusPaid {
			res, err := s.stock.ConsumeSale(ctx, tx.Stock(), consumeInput(sale))
			outcome = res.Outcome
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			paidAt = &now
		}
		if err := tx.UpdateStatus(ctx, saleID, target, paidAt); err != nil {
			return err
		}
		sale.Status = target
		if paidAt != nil {
			sale.PaidAt = paidAt
		}
		updated = sale
		return nil
	})
	if err != nil {
		if outcome == stock.OutcomeSuccess {
			outcome = stock.OutcomeError
		}
		s.logger.Warn("sale transition failed",
			slog.Int64("sale_id", saleID),
			slog.String("target", string(target)),
			slog.Any("error", err))
		return Sale{}, err
	}
	if target != StatusPaid {
		outcome = stock.OutcomeSuccess
	}
	s.logger.Info("sale transitioned",
		slog.Int64("sale_id", saleID),
		slog.String("target", string(target)),
		slog.String("outcome", outcome))
	return updated, nil
}

func consumeInput(sale Sale) stock.ConsumeSaleInput {
	in := stock.ConsumeSaleInput{SaleID: sale.ID, LocationID: sale.LocationID}
	for _, l := range sale.Lines {
		if l.ProductID == nil {
			continue
		}
		in.Lines = append(in.Lines, stock.ConsumeLine{
			SaleLineID: l.ID,
			ProductID:  *l.ProductID,
			Quantity:   l.Quantity,
		})
	}
	return in
}

func newSaleCode() string {
	return "SAL-" + strings.ToUpper(uuid.NewString()[:8])
}
