package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/singleflight"
)

// RepositoryPort abstracts the repository for the service.
type RepositoryPort interface {
	CreateProduct(ctx context.Context, p Product) (int64, error)
	GetProduct(ctx context.Context, id int64) (Product, error)
	CreateBatch(ctx context.Context, b Batch) (int64, error)
	GetBatch(ctx context.Context, id int64) (Batch, error)
	ListBatches(ctx context.Context, productID int64) ([]Batch, error)
}

// Service coordinates catalog reads and seeding. The sale/refund core only
// consumes product metadata; catalog workflows proper live elsewhere.
type Service struct {
	repo   RepositoryPort
	cache  *ProductCache
	group  singleflight.Group
	logger *slog.Logger
}

// NewService builds Service. cache may be nil.
func NewService(repo RepositoryPort, cache *ProductCache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, logger: logger}
}

// CreateProduct registers a product.
func (s *Service) CreateProduct(ctx context.Context, p Product) (Product, error) {
	if p.SKU == "" || p.Name == "" {
		return Product{}, errors.New("catalog: sku and name required")
	}
	if p.IsService && p.TracksLots {
		return Product{}, errors.New("catalog: service items cannot track lots")
	}
	p.Active = true
	id, err := s.repo.CreateProduct(ctx, p)
	if err != nil {
		return Product{}, fmt.Errorf("create product: %w", err)
	}
	return s.repo.GetProduct(ctx, id)
}

// Product returns product metadata, cache-aside. Concurrent misses for the
// same id are collapsed through singleflight.
func (s *Service) Product(ctx context.Context, id int64) (Product, error) {
	if p, ok := s.cache.Get(ctx, id); ok {
		return p, nil
	}
	v, err, _ := s.group.Do(strconv.FormatInt(id, 10), func() (any, error) {
		p, err := s.repo.GetProduct(ctx, id)
		if err != nil {
			return Product{}, err
		}
		if err := s.cache.Set(ctx, p); err != nil {
			s.logger.Warn("cache product", slog.Int64("product_id", id), slog.Any("error", err))
		}
		return p, nil
	})
	if err != nil {
		return Product{}, err
	}
	return v.(Product), nil
}

// TracksLots reports whether the product consumes stock per batch.
func (s *Service) TracksLots(ctx context.Context, productID int64) (bool, error) {
	p, err := s.Product(ctx, productID)
	if err != nil {
		return false, err
	}
	return p.TracksLots, nil
}

// IsService reports whether the product is a service item with no stock impact.
func (s *Service) IsService(ctx context.Context, productID int64) (bool, error) {
	p, err := s.Product(ctx, productID)
	if err != nil {
		return false, err
	}
	return p.IsService, nil
}

// CreateBatch registers a lot for a lot-tracked product.
func (s *Service) CreateBatch(ctx context.Context, b Batch) (Batch, error) {
	if b.LotCode == "" {
		return Batch{}, errors.New("catalog: lot code required")
	}
	p, err := s.Product(ctx, b.ProductID)
	if err != nil {
		return Batch{}, err
	}
	if !p.TracksLots {
		return Batch{}, fmt.Errorf("catalog: product %d does not track lots", b.ProductID)
	}
	id, err := s.repo.CreateBatch(ctx, b)
	if err != nil {
		return Batch{}, err
	}
	return s.repo.GetBatch(ctx, id)
}

// Batches lists lots for a product in creation order.
func (s *Service) Batches(ctx context.Context, productID int64) ([]Batch, error) {
	return s.repo.ListBatches(ctx, productID)
}
