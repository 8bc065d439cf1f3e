package catalog

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	products    map[int64]Product
	batches     map[int64]Batch
	nextID      int64
	productHits int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{products: map[int64]Product{}, batches: map[int64]Batch{}, nextID: 1}
}

func (f *fakeRepo) CreateProduct(_ context.Context, p Product) (int64, error) {
	id := f.nextID
	f.nextID++
	p.ID = id
	p.CreatedAt = time.Now()
	f.products[id] = p
	return id, nil
}

func (f *fakeRepo) GetProduct(_ context.Context, id int64) (Product, error) {
	f.productHits++
	p, ok := f.products[id]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return p, nil
}

func (f *fakeRepo) CreateBatch(_ context.Context, b Batch) (int64, error) {
	for _, existing := range f.batches {
		if existing.ProductID == b.ProductID && existing.LotCode == b.LotCode {
			return 0, ErrDuplicateLot
		}
	}
	id := f.nextID
	f.nextID++
	b.ID = id
	f.batches[id] = b
	return id, nil
}

func (f *fakeRepo) GetBatch(_ context.Context, id int64) (Batch, error) {
	b, ok := f.batches[id]
	if !ok {
		return Batch{}, ErrBatchNotFound
	}
	return b, nil
}

func (f *fakeRepo) ListBatches(_ context.Context, productID int64) ([]Batch, error) {
	out := []Batch{}
	for _, b := range f.batches {
		if b.ProductID == productID {
			out = append(out, b)
		}
	}
	return out, nil
}

func testCache(t *testing.T) *ProductCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewProductCache(client, time.Minute)
}

func TestCreateProductValidation(t *testing.T) {
	svc := NewService(newFakeRepo(), nil, slog.Default())

	_, err := svc.CreateProduct(context.Background(), Product{Name: "Amoxicillin 500mg"})
	assert.Error(t, err)

	_, err = svc.CreateProduct(context.Background(), Product{SKU: "SVC-1", Name: "Consult", IsService: true, TracksLots: true})
	assert.Error(t, err)

	p, err := svc.CreateProduct(context.Background(), Product{SKU: "MED-1", Name: "Amoxicillin 500mg", TracksLots: true})
	require.NoError(t, err)
	assert.True(t, p.Active)
	assert.NotZero(t, p.ID)
}

func TestProductCacheAside(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, testCache(t), slog.Default())

	id, err := repo.CreateProduct(context.Background(), Product{SKU: "MED-1", Name: "Ibuprofen", TracksLots: true, Active: true})
	require.NoError(t, err)
	repo.productHits = 0

	p, err := svc.Product(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "MED-1", p.SKU)
	assert.Equal(t, 1, repo.productHits)

	// Second read is served from the cache.
	p, err = svc.Product(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "MED-1", p.SKU)
	assert.Equal(t, 1, repo.productHits)
}

func TestProductNotFound(t *testing.T) {
	svc := NewService(newFakeRepo(), testCache(t), slog.Default())

	_, err := svc.Product(context.Background(), 999)
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestCreateBatchRequiresLotTracking(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, slog.Default())

	plain, err := svc.CreateProduct(context.Background(), Product{SKU: "MED-2", Name: "Bandage"})
	require.NoError(t, err)
	tracked, err := svc.CreateProduct(context.Background(), Product{SKU: "MED-3", Name: "Insulin", TracksLots: true})
	require.NoError(t, err)

	_, err = svc.CreateBatch(context.Background(), Batch{ProductID: plain.ID, LotCode: "L-1"})
	assert.Error(t, err)

	b, err := svc.CreateBatch(context.Background(), Batch{ProductID: tracked.ID, LotCode: "L-1"})
	require.NoError(t, err)
	assert.Equal(t, tracked.ID, b.ProductID)

	_, err = svc.CreateBatch(context.Background(), Batch{ProductID: tracked.ID, LotCode: "L-1"})
	assert.ErrorIs(t, err, ErrDuplicateLot)
}

func TestTracksLots(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, slog.Default())

	tracked, err := svc.CreateProduct(context.Background(), Product{SKU: "MED-4", Name: "Vaccine", TracksLots: true})
	require.NoError(t, err)
	plain, err := svc.CreateProduct(context.Background(), Product{SKU: "MED-5", Name: "Syringe"})
	require.NoError(t, err)

	got, err := svc.TracksLots(context.Background(), tracked.ID)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = svc.TracksLots(context.Background(), plain.ID)
	require.NoError(t, err)
	assert.False(t, got)
}
