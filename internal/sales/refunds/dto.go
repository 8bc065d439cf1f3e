package refunds

// fullRefundRequest is the JSON body for POST /sales/{id}/refunds/full.
type fullRefundRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

// partialRefundRequest is the JSON body for POST /sales/{id}/refunds.
type partialRefundRequest struct {
	Reason         string                   `json:"reason" validate:"max=255"`
	IdempotencyKey *string                  `json:"idempotency_key" validate:"omitempty,uuid4"`
	Lines          []partialRefundLineInput `json:"lines" validate:"required,min=1,dive"`
}

type partialRefundLineInput struct {
	SaleLineID     int64   `json:"sale_line_id" validate:"required,gt=0"`
	QtyRefunded    float64 `json:"qty_refunded" validate:"required,gt=0"`
	AmountRefunded float64 `json:"amount_refunded" validate:"gte=0"`
}
