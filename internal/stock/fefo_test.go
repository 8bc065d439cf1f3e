package stock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expiry(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestAllocateSplitsAcrossBatches(t *testing.T) {
	now := time.Date(2024, 12, 1, 10, 0, 0, 0, time.UTC)
	batches := []BatchStock{
		{BatchID: 2, LotCode: "B2", Expiry: expiry(2025, 2, 1), Quantity: 5},
		{BatchID: 1, LotCode: "B1", Expiry: expiry(2025, 1, 1), Quantity: 3},
	}

	plan, err := Allocate(batches, 5, now)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, Allocation{BatchID: 1, Quantity: 3}, plan[0])
	assert.Equal(t, Allocation{BatchID: 2, Quantity: 2}, plan[1])
}

func TestAllocateSingleBatch(t *testing.T) {
	now := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	batches := []BatchStock{
		{BatchID: 1, Expiry: expiry(2025, 1, 1), Quantity: 10},
		{BatchID: 2, Expiry: expiry(2025, 2, 1), Quantity: 5},
	}

	plan, err := Allocate(batches, 4, now)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, Allocation{BatchID: 1, Quantity: 4}, plan[0])
}

func TestAllocateSkipsExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	batches := []BatchStock{
		{BatchID: 1, Expiry: expiry(2025, 1, 1), Quantity: 10},
		{BatchID: 2, Expiry: expiry(2026, 1, 1), Quantity: 4},
	}

	plan, err := Allocate(batches, 4, now)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, int64(2), plan[0].BatchID)
}

func TestAllocateExpiredOnly(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	batches := []BatchStock{
		{BatchID: 1, Expiry: expiry(2025, 1, 1), Quantity: 10},
	}

	_, err := Allocate(batches, 4, now)
	var ebe *ExpiredBatchError
	assert.ErrorAs(t, err, &ebe)
}

func TestAllocateInsufficient(t *testing.T) {
	now := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	batches := []BatchStock{
		{BatchID: 1, Expiry: expiry(2025, 1, 1), Quantity: 3},
		{BatchID: 2, Expiry: expiry(2025, 2, 1), Quantity: 2},
	}

	_, err := Allocate(batches, 6, now)
	var ise *InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, float64(6), ise.Requested)
	assert.Equal(t, float64(5), ise.Available)
}

func TestAllocateEmptySnapshot(t *testing.T) {
	_, err := Allocate(nil, 1, time.Now())
	var ise *InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Zero(t, ise.Available)
}

func TestAllocateNilExpirySortsLast(t *testing.T) {
	now := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	batches := []BatchStock{
		{BatchID: 1, Quantity: 10},
		{BatchID: 2, Expiry: expiry(2025, 1, 1), Quantity: 3},
	}

	plan, err := Allocate(batches, 5, now)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, Allocation{BatchID: 2, Quantity: 3}, plan[0])
	assert.Equal(t, Allocation{BatchID: 1, Quantity: 2}, plan[1])
}

func TestAllocateTieBreaksByBatchID(t *testing.T) {
	now := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	batches := []BatchStock{
		{BatchID: 9, Expiry: expiry(2025, 1, 1), Quantity: 5},
		{BatchID: 3, Expiry: expiry(2025, 1, 1), Quantity: 5},
	}

	plan, err := Allocate(batches, 6, now)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, int64(3), plan[0].BatchID)
	assert.Equal(t, int64(9), plan[1].BatchID)
}

func TestAllocateInvalidQuantity(t *testing.T) {
	_, err := Allocate(nil, 0, time.Now())
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = Allocate(nil, -2, time.Now())
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestAllocateExactExhaustion(t *testing.T) {
	now := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	batches := []BatchStock{
		{BatchID: 1, Expiry: expiry(2025, 1, 1), Quantity: 2},
		{BatchID: 2, Expiry: expiry(2025, 2, 1), Quantity: 3},
	}

	plan, err := Allocate(batches, 5, now)
	require.NoError(t, err)
	var total float64
	for _, a := range plan {
		total += a.Quantity
	}
	assert.InDelta(t, 5, total, Epsilon)
}
