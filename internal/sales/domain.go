package sales

import (
	"errors"
	"fmt"
	"time"
)

// Status is the sale lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// transitions is the closed edge table. cancelled and refunded are terminal.
// paid→refunded is reachable only through the refund engine; the transition
// endpoint rejects it.
var transitions = map[Status][]Status{
	StatusDraft:   {StatusPending, StatusCancelled},
	StatusPending: {StatusPaid, StatusCancelled},
	StatusPaid:    {StatusRefunded},
}

// ValidStatus reports whether s is a known status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusDraft, StatusPending, StatusPaid, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// CanTransition reports whether the edge from→to is legal.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no edges leave s.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0 && ValidStatus(s)
}

// InvalidTransitionError reports an illegal state edge.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("sales: invalid transition from %s to %s", e.From, e.To)
}

// Sale is the sales aggregate. Lines, prices and totals are immutable once
// the status is paid, cancelled or refunded; the refund engine is the only
// sanctioned mutation path for a paid sale.
type Sale struct {
	ID         int64      `json:"id"`
	Code       string     `json:"code"`
	LocationID int64      `json:"location_id"`
	PatientRef string     `json:"patient_ref,omitempty"`
	Status     Status     `json:"status"`
	Total      float64    `json:"total"`
	PaidAt     *time.Time `json:"paid_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	Lines      []SaleLine `json:"lines"`
}

// SaleLine is one sale position. A nil ProductID marks a service line with no
// stock impact.
type SaleLine struct {
	ID          int64   `json:"id"`
	SaleID      int64   `json:"sale_id"`
	ProductID   *int64  `json:"product_id,omitempty"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	LineTotal   float64 `json:"line_total"`
	LineOrder   int     `json:"line_order"`
}

// ErrSaleNotFound indicates a missing sale.
var ErrSaleNotFound = errors.New("sales: sale not found")

// ErrNoLines rejects a sale without lines.
var ErrNoLines = errors.New("sales: sale requires at least one line")
