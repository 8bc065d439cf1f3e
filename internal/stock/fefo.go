package stock

import (
	"sort"
	"time"
)

// Allocate builds a first-expired-first-out allocation plan over a locked
// on-hand snapshot. Expired batches are excluded entirely, never merely
// deprioritized. Candidates sort by expiry ascending with nil expiry last,
// ties broken by batch id (creation order), then stock is consumed greedily.
//
// The plan's quantities sum exactly to qty. When the non-expired total falls
// short the error is InsufficientStockError; when stock exists only in
// expired batches it is ExpiredBatchError. No partial plan is ever returned.
func Allocate(batches []BatchStock, qty float64, now time.Time) ([]Allocation, error) {
	if qty <= Epsilon {
		return nil, ErrInvalidQuantity
	}

	hadStock := false
	candidates := make([]BatchStock, 0, len(batches))
	for _, b := range batches {
		if b.Quantity <= Epsilon {
			continue
		}
		hadStock = true
		if b.Expiry != nil && b.Expiry.Before(now) {
			continue
		}
		candidates = append(candidates, b)
	}
	if len(candidates) == 0 {
		if hadStock {
			return nil, &ExpiredBatchError{}
		}
		return nil, &InsufficientStockError{Requested: qty}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch {
		case a.Expiry == nil && b.Expiry == nil:
			return a.BatchID < b.BatchID
		case a.Expiry == nil:
			return false
		case b.Expiry == nil:
			return true
		case a.Expiry.Equal(*b.Expiry):
			return a.BatchID < b.BatchID
		default:
			return a.Expiry.Before(*b.Expiry)
		}
	})

	var available float64
	for _, c := range candidates {
		available += c.Quantity
	}
	if available+Epsilon < qty {
		return nil, &InsufficientStockError{Requested: qty, Available: available}
	}

	plan := make([]Allocation, 0, len(candidates))
	remaining := qty
	for _, c := range candidates {
		if remaining <= Epsilon {
			break
		}
		take := c.Quantity
		if take > remaining {
			take = remaining
		}
		plan = append(plan, Allocation{BatchID: c.BatchID, Quantity: take})
		remaining -= take
	}
	return plan, nil
}
