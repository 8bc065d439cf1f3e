package refunds

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinova-health/clinova/internal/observability"
	"github.com/clinova-health/clinova/internal/sales"
	"github.com/clinova-health/clinova/internal/stock"
)

type ohKey struct {
	product  int64
	location int64
	batch    int64 // 0 = nil batch
}

// memLedger is an in-memory stock.TxStore covering the reversal paths.
type memLedger struct {
	moves  []stock.Move
	onHand map[ohKey]float64
	nextID int64
}

func newMemLedger() *memLedger {
	return &memLedger{onHand: map[ohKey]float64{}, nextID: 1}
}

func (l *memLedger) clone() *memLedger {
	c := &memLedger{nextID: l.nextID, onHand: map[ohKey]float64{}}
	c.moves = append(c.moves, l.moves...)
	for k, v := range l.onHand {
		c.onHand[k] = v
	}
	return c
}

func (l *memLedger) BatchStockForUpdate(context.Context, int64, int64) ([]stock.BatchStock, error) {
	return nil, nil
}

func (l *memLedger) OnHandForUpdate(_ context.Context, productID, locationID int64, batchID *int64) (float64, error) {
	var b int64
	if batchID != nil {
		b = *batchID
	}
	return l.onHand[ohKey{productID, locationID, b}], nil
}

func (l *memLedger) InsertMove(_ context.Context, m stock.Move) (int64, error) {
	if m.Type == stock.MoveRefundIn && m.SourceMoveID != nil {
		for _, prev := range l.moves {
			if prev.Type == stock.MoveRefundIn && prev.RefID == m.RefID &&
				prev.SourceMoveID != nil && *prev.SourceMoveID == *m.SourceMoveID {
				return 0, stock.ErrDuplicateReversal
			}
		}
	}
	m.ID = l.nextID
	l.nextID++
	m.CreatedAt = time.Now()
	l.moves = append(l.moves, m)
	return m.ID, nil
}

func (l *memLedger) ApplyDelta(_ context.Context, productID, locationID int64, batchID *int64, delta float64) error {
	var b int64
	if batchID != nil {
		b = *batchID
	}
	l.onHand[ohKey{productID, locationID, b}] += delta
	return nil
}

func (l *memLedger) MovesByRef(_ context.Context, kind stock.RefKind, refID int64) ([]stock.Move, error) {
	out := []stock.Move{}
	for _, m := range l.moves {
		if m.RefKind == kind && m.RefID == refID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (l *memLedger) OutMovesWithReversals(_ context.Context, saleLineID int64) ([]stock.MoveReversal, error) {
	out := []stock.MoveReversal{}
	for _, m := range l.moves {
		if m.Type != stock.MoveOut || m.SaleLineID == nil || *m.SaleLineID != saleLineID {
			continue
		}
		var reversed float64
		for _, r := range l.moves {
			if r.Type == stock.MoveRefundIn && r.SourceMoveID != nil && *r.SourceMoveID == m.ID {
				reversed += r.Quantity
			}
		}
		out = append(out, stock.MoveReversal{Move: m, Reversed: reversed})
	}
	return out, nil
}

// fakeStore is an in-memory Store whose WithTx restores all state on error,
// mirroring the rollback behavior of the real transaction.
type fakeStore struct {
	sales   map[int64]*sales.Sale
	refunds map[int64]*Refund
	ledger  *memLedger
	nextID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sales:   map[int64]*sales.Sale{},
		refunds: map[int64]*Refund{},
		ledger:  newMemLedger(),
		nextID:  1,
	}
}

func (f *fakeStore) snapshot() (map[int64]sales.Sale, map[int64]Refund, *memLedger, int64) {
	ss := map[int64]sales.Sale{}
	for id, s := range f.sales {
		cp := *s
		cp.Lines = append([]sales.SaleLine(nil), s.Lines...)
		ss[id] = cp
	}
	rr := map[int64]Refund{}
	for id, r := range f.refunds {
		cp := *r
		cp.Lines = append([]RefundLine(nil), r.Lines...)
		rr[id] = cp
	}
	return ss, rr, f.ledger.clone(), f.nextID
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	ss, rr, ledger, nextID := f.snapshot()
	if err := fn(ctx, &fakeTxRepo{s: f}); err != nil {
		f.sales = map[int64]*sales.Sale{}
		for id := range ss {
			cp := ss[id]
			f.sales[id] = &cp
		}
		f.refunds = map[int64]*Refund{}
		for id := range rr {
			cp := rr[id]
			f.refunds[id] = &cp
		}
		f.ledger = ledger
		f.nextID = nextID
		return err
	}
	return nil
}

func (f *fakeStore) List(_ context.Context, saleID int64) ([]Refund, error) {
	out := []Refund{}
	for _, r := range f.refunds {
		if r.SaleID == saleID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeStore) FindByIdempotencyKey(_ context.Context, saleID int64, key string) (Refund, error) {
	for _, r := range f.refunds {
		if r.SaleID == saleID && r.IdempotencyKey != nil && *r.IdempotencyKey == key {
			return *r, nil
		}
	}
	return Refund{}, ErrRefundNotFound
}

func (f *fakeStore) InsertFailedAudit(_ context.Context, saleID int64, mode Mode, reason, detail string) error {
	id := f.nextID
	f.nextID++
	f.refunds[id] = &Refund{ID: id, SaleID: saleID, Status: StatusFailed, Mode: mode, Reason: reason, CreatedAt: time.Now()}
	return nil
}

type fakeTxRepo struct {
	s *fakeStore
}

func (t *fakeTxRepo) Stock() stock.TxStore {
	return t.s.ledger
}

func (t *fakeTxRepo) SaleForUpdate(_ context.Context, saleID int64) (sales.Sale, error) {
	s, ok := t.s.sales[saleID]
	if !ok {
		return sales.Sale{}, sales.ErrSaleNotFound
	}
	return *s, nil
}

func (t *fakeTxRepo) SetSaleStatus(_ context.Context, saleID int64, status sales.Status) error {
	s, ok := t.s.sales[saleID]
	if !ok {
		return sales.ErrSaleNotFound
	}
	s.Status = status
	return nil
}

func (t *fakeTxRepo) InsertRefund(_ context.Context, r Refund) (int64, error) {
	if r.IdempotencyKey != nil {
		for _, prev := range t.s.refunds {
			if prev.SaleID == r.SaleID && prev.IdempotencyKey != nil && *prev.IdempotencyKey == *r.IdempotencyKey {
				return 0, errDuplicateKey
			}
		}
	}
	r.ID = t.s.nextID
	t.s.nextID++
	r.CreatedAt = time.Now()
	t.s.refunds[r.ID] = &r
	return r.ID, nil
}

func (t *fakeTxRepo) CompleteRefund(_ context.Context, refundID int64) error {
	r, ok := t.s.refunds[refundID]
	if !ok {
		return ErrRefundNotFound
	}
	r.Status = StatusCompleted
	now := time.Now()
	r.CompletedAt = &now
	return nil
}

func (t *fakeTxRepo) InsertRefundLine(_ context.Context, l RefundLine) (int64, error) {
	l.ID = t.s.nextID
	t.s.nextID++
	r := t.s.refunds[l.RefundID]
	r.Lines = append(r.Lines, l)
	return l.ID, nil
}

func (t *fakeTxRepo) RefundedQtyBySaleLine(_ context.Context, saleID int64) (map[int64]float64, error) {
	out := map[int64]float64{}
	for _, r := range t.s.refunds {
		if r.SaleID != saleID || r.Status != StatusCompleted {
			continue
		}
		for _, l := range r.Lines {
			out[l.SaleLineID] += l.QtyRefunded
		}
	}
	return out, nil
}

func (t *fakeTxRepo) GetByIdempotencyKey(_ context.Context, saleID int64, key string) (Refund, error) {
	return t.s.FindByIdempotencyKey(context.Background(), saleID, key)
}

func (t *fakeTxRepo) HasCompletedRefunds(_ context.Context, saleID int64) (bool, error) {
	for _, r := range t.s.refunds {
		if r.SaleID == saleID && r.Status == StatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

// seedPaidSale installs a paid sale: line 11 sells 5 units of product 1
// consumed from batch 101 (3) and batch 102 (2), line 12 is a service line.
func seedPaidSale(store *fakeStore) {
	productID := int64(1)
	store.sales[1] = &sales.Sale{
		ID:         1,
		Code:       "SAL-TEST",
		LocationID: 10,
		Status:     sales.StatusPaid,
		Total:      370,
		Lines: []sales.SaleLine{
			{ID: 11, SaleID: 1, ProductID: &productID, Description: "amoxicillin", Quantity: 5, UnitPrice: 50, LineTotal: 250},
			{ID: 12, SaleID: 1, Description: "consultation", Quantity: 1, UnitPrice: 120, LineTotal: 120},
		},
	}

	line := int64(11)
	for _, out := range []struct {
		batch int64
		qty   float64
	}{{101, 3}, {102, 2}} {
		b := out.batch
		_, _ = store.ledger.InsertMove(context.Background(), stock.Move{
			Type:       stock.MoveOut,
			ProductID:  productID,
			LocationID: 10,
			BatchID:    &b,
			Quantity:   -out.qty,
			RefKind:    stock.RefSale,
			RefID:      1,
			SaleLineID: &line,
		})
		_ = store.ledger.ApplyDelta(context.Background(), productID, 10, &b, -out.qty)
	}
	store.nextID = 100
}

func newTestService(store *fakeStore) *Service {
	stockSvc := stock.NewService(nil, nil, slog.Default())
	return NewService(store, stockSvc, observability.NopRecorder{}, slog.Default())
}

func countMoves(l *memLedger, t stock.MoveType) int {
	n := 0
	for _, m := range l.moves {
		if m.Type == t {
			n++
		}
	}
	return n
}

func TestCreateFullMirrorsEveryOutMove(t *testing.T) {
	store := newFakeStore()
	seedPaidSale(store)
	svc := newTestService(store)

	refund, err := svc.CreateFull(context.Background(), 1, "patient returned order")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, refund.Status)
	assert.Equal(t, ModeFull, refund.Mode)
	require.NotNil(t, refund.CompletedAt)

	assert.Equal(t, sales.StatusRefunded, store.sales[1].Status)

	sources := map[int64]bool{}
	var restored float64
	for _, m := range store.ledger.moves {
		if m.Type != stock.MoveRefundIn {
			continue
		}
		require.NotNil(t, m.SourceMoveID)
		assert.False(t, sources[*m.SourceMoveID], "source move reversed twice")
		sources[*m.SourceMoveID] = true
		restored += m.Quantity
	}
	assert.Equal(t, 2, len(sources))
	assert.InDelta(t, 5, restored, stock.Epsilon)
	assert.InDelta(t, 3, store.ledger.onHand[ohKey{1, 10, 101}], stock.Epsilon)
	assert.InDelta(t, 2, store.ledger.onHand[ohKey{1, 10, 102}], stock.Epsilon)

	// Both sale lines appear in the financial record, the service line too.
	require.Len(t, refund.Lines, 2)
}

func TestCreateFullRequiresPaidSale(t *testing.T) {
	store := newFakeStore()
	seedPaidSale(store)
	store.sales[1].Status = sales.StatusPending
	svc := newTestService(store)

	_, err := svc.CreateFull(context.Background(), 1, "")
	var ite *sales.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, sales.StatusPending, ite.From)
}

func TestCreateFullTwiceFails(t *testing.T) {
	store := newFakeStore()
	seedPaidSale(store)
	svc := newTestService(store)

	_, err := svc.CreateFull(context.Background(), 1, "")
	require.NoError(t, err)

	_, err = svc.CreateFull(context.Background(), 1, "")
	var ite *sales.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, sales.StatusRefunded, ite.From)
	assert.Equal(t, 2, countMoves(store.ledger, stock.MoveRefundIn))
}

func TestCreateFullAfterPartialRejected(t *testing.T) {
	store := newFakeStore()
	seedPaidSale(store)
	svc := newTestService(store)

	_, _, err := svc.CreatePartial(context.Background(), PartialInput{
		SaleID: 1,
		Lines:  []PartialLine{{SaleLineID: 11, QtyRefunded: 2, AmountRefunded: 100}},
	})
	require.NoError(t, err)

	_, err = svc.CreateFull(context.Background(), 1, "")
	assert.ErrorIs(t, err, ErrPartiallyRefunded)
	assert.Equal(t, sales.StatusPaid, store.sales[1].Status)
}

func TestCreatePartialOverRefundLadder(t *testing.T) {
	store := newFakeStore()
	seedPaidSale(store)
	svc := newTestService(store)

	_, _, err := svc.CreatePartial(context.Background(), PartialInput{
		SaleID: 1,
		Lines:  []PartialLine{{SaleLineID: 11, QtyRefunded: 2, AmountRefunded: 100}},
	})
	require.NoError(t, err)

	movesBefore := len(store.ledger.moves)
	_, _, err = svc.CreatePartial(context.Background(), PartialInput{
		SaleID: 1,
		Lines:  []PartialLine{{SaleLineID: 11, QtyRefunded: 4, AmountRefunded: 200}},
	})
	var ore *OverRefundError
	require.ErrorAs(t, err, &ore)
	assert.Equal(t, int64(11), ore.SaleLineID)
	assert.InDelta(t, 4, ore.Requested, stock.Epsilon)
	assert.InDelta(t, 3, ore.Available, stock.Epsilon)
	// The rejected attempt leaves no ledger effects, only a failed audit row.
	assert.Equal(t, movesBefore, len(store.ledger.moves))
	failed := 0
	for _, r := range store.refunds {
		if r.Status == StatusFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)

	refund, _, err := svc.CreatePartial(context.Background(), PartialInput{
		SaleID: 1,
		Lines:  []PartialLine{{SaleLineID: 11, QtyRefunded: 3, AmountRefunded: 150}},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, refund.Status)
	// Line 11 is now exactly exhausted.
	_, _, err = svc.CreatePartial(context.Background(), PartialInput{
		SaleID: 1,
		Lines:  []PartialLine{{SaleLineID: 11, QtyRefunded: 1, AmountRefunded: 50}},
	})
	assert.ErrorAs(t, err, &ore)
}

func TestCreatePartialReversesSourcesInOrder(t *testing.T) {
	store := newFakeStore()
	seedPaidSale(store)
	svc := newTestService(store)

	refund, _, err := svc.CreatePartial(context.Background(), PartialInput{
		SaleID: 1,
		Lines:  []PartialLine{{SaleLineID: 11, QtyRefunded: 4, AmountRefunded: 200}},
	})
	require.NoError(t, err)
	require.Len(t, refund.Lines, 1)

	refundIns := []stock.Move{}
	for _, m := range store.ledger.moves {
		if m.Type == stock.MoveRefundIn {
			refundIns = append(refundIns, m)
		}
	}
	require.Len(t, refundIns, 2)
	assert.Equal(t, int64(101), *refundIns[0].BatchID)
	assert.InDelta(t, 3, refundIns[0].Quantity, stock.Epsilon)
	assert.Equal(t, int64(102), *refundIns[1].BatchID)
	assert.InDelta(t, 1, refundIns[1].Quantity, stock.Epsilon)
	assert.InDelta(t, 3, store.ledger.onHand[ohKey{1, 10, 101}], stock.Epsilon)
	assert.InDelta(t, 1, store.ledger.onHand[ohKey{1, 10, 102}], stock.Epsilon)
}

func TestCreatePartialIdempotentReplay(t *testing.T) {
	store := newFakeStore()
	seedPaidSale(store)
	svc := newTestService(store)

	key := "3e1f3f44-9f6a-4e2a-8f5d-8f2f36a1c001"
	in := PartialInput{
		SaleID:         1,
		IdempotencyKey: &key,
		Lines:          []PartialLine{{SaleLineID: 11, QtyRefunded: 2, AmountRefunded: 100}},
	}

	first, replayed, err := svc.CreatePartial(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, replayed)
	movesAfterFirst := len(store.ledger.moves)

	second, replayed, err := svc.CreatePartial(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, movesAfterFirst, len(store.ledger.moves))

	completed := 0
	for _, r := range store.refunds {
		if r.Status == StatusCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestCreatePartialIdempotencyConflict(t *testing.T) {
	store := newFakeStore()
	seedPaidSale(store)
	svc := newTestService(store)

	key := "3e1f3f44-9f6a-4e2a-8f5d-8f2f36a1c002"
	_, _, err := svc.CreatePartial(context.Background(), PartialInput{
		SaleID:         1,
		IdempotencyKey: &key,
		Lines:          []PartialLine{{SaleLineID: 11, QtyRefunded: 2, AmountRefunded: 100}},
	})
	require.NoError(t, err)

	_, _, err = svc.CreatePartial(context.Background(), PartialInput{
		SaleID:         1,
		IdempotencyKey: &key,
		Lines:          []PartialLine{{SaleLineID: 11, QtyRefunded: 3, AmountRefunded: 150}},
	})
	assert.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestCreatePartialServiceLine(t *testing.T) {
	store := newFakeStore()
	seedPaidSale(store)
	svc := newTestService(store)

	movesBefore := len(store.ledger.moves)
	refund, _, err := svc.CreatePartial(context.Background(), PartialInput{
		SaleID: 1,
		Lines:  []PartialLine{{SaleLineID: 12, QtyRefunded: 1, AmountRefunded: 120}},
	})
	require.NoError(t, err)
	require.Len(t, refund.Lines, 1)
	assert.Equal(t, movesBefore, len(store.ledger.moves), "service lines never touch the ledger")
}

func TestCreatePartialValidation(t *testing.T) {
	store := newFakeStore()
	seedPaidSale(store)
	svc := newTestService(store)

	_, _, err := svc.CreatePartial(context.Background(), PartialInput{SaleID: 1})
	assert.ErrorIs(t, err, ErrNoLines)

	_, _, err = svc.CreatePartial(context.Background(), PartialInput{
		SaleID: 1,
		Lines:  []PartialLine{{SaleLineID: 11, QtyRefunded: 0}},
	})
	assert.ErrorIs(t, err, stock.ErrInvalidQuantity)

	_, _, err = svc.CreatePartial(context.Background(), PartialInput{
		SaleID: 1,
		Lines: []PartialLine{
			{SaleLineID: 11, QtyRefunded: 1},
			{SaleLineID: 11, QtyRefunded: 1},
		},
	})
	assert.Error(t, err)

	_, _, err = svc.CreatePartial(context.Background(), PartialInput{
		SaleID: 1,
		Lines:  []PartialLine{{SaleLineID: 999, QtyRefunded: 1}},
	})
	assert.Error(t, err)
}

func TestCreatePartialRequiresPaidSale(t *testing.T) {
	store := newFakeStore()
	seedPaidSale(store)
	store.sales[1].Status = sales.StatusCancelled
	svc := newTestService(store)

	_, _, err := svc.CreatePartial(context.Background(), PartialInput{
		SaleID: 1,
		Lines:  []PartialLine{{SaleLineID: 11, QtyRefunded: 1}},
	})
	assert.ErrorIs(t, err, ErrSaleNotRefundable)
}

func TestListRefunds(t *testing.T) {
	store := newFakeStore()
	seedPaidSale(store)
	svc := newTestService(store)

	_, _, err := svc.CreatePartial(context.Background(), PartialInput{
		SaleID: 1,
		Lines:  []PartialLine{{SaleLineID: 11, QtyRefunded: 1, AmountRefunded: 50}},
	})
	require.NoError(t, err)

	refunds, err := svc.List(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, refunds, 1)
}
