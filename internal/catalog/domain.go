package catalog

import (
	"errors"
	"time"
)

// Product is the catalog entry stock and sales operate against. Service
// items (IsService) never produce stock moves; lot-tracked products
// (TracksLots) consume stock per batch.
type Product struct {
	ID         int64     `json:"id"`
	SKU        string    `json:"sku"`
	Name       string    `json:"name"`
	TracksLots bool      `json:"tracks_lots"`
	IsService  bool      `json:"is_service"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Batch is a tracked lot of a product. A nil ExpiryDate marks a
// non-perishable lot; batch creation order (ascending id) breaks FEFO ties.
type Batch struct {
	ID         int64      `json:"id"`
	ProductID  int64      `json:"product_id"`
	LotCode    string     `json:"lot_code"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
	ReceivedAt time.Time  `json:"received_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ErrProductNotFound indicates a missing product.
var ErrProductNotFound = errors.New("catalog: product not found")

// ErrBatchNotFound indicates a missing batch.
var ErrBatchNotFound = errors.New("catalog: batch not found")

// ErrDuplicateLot indicates a lot code already used for the product.
var ErrDuplicateLot = errors.New("catalog: lot code already exists for product")
