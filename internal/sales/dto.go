package sales

// createSaleRequest is the JSON body for POST /sales.
type createSaleRequest struct {
	LocationID int64             `json:"location_id" validate:"required,gt=0"`
	PatientRef string            `json:"patient_ref" validate:"max=64"`
	Lines      []saleLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type saleLineRequest struct {
	ProductID   *int64  `json:"product_id" validate:"omitempty,gt=0"`
	Description string  `json:"description" validate:"required,max=255"`
	Quantity    float64 `json:"quantity" validate:"required,gt=0"`
	UnitPrice   float64 `json:"unit_price" validate:"gte=0"`
}

// transitionRequest is the JSON body for POST /sales/{id}/transition.
type transitionRequest struct {
	TargetStatus string `json:"target_status" validate:"required,oneof=pending paid cancelled"`
}
