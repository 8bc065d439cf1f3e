package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProductCache caches product metadata in Redis. Products change rarely but
// are read on every sale payment, so a short TTL keeps the hot path off the
// database.
type ProductCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewProductCache constructs ProductCache.
func NewProductCache(client *redis.Client, ttl time.Duration) *ProductCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ProductCache{client: client, ttl: ttl}
}

func productKey(id int64) string {
	return fmt.Sprintf("catalog:product:%d", id)
}

// Get returns the cached product, or ok=false on a miss.
func (c *ProductCache) Get(ctx context.Context, id int64) (Product, bool) {
	if c == nil || c.client == nil {
		return Product{}, false
	}
	data, err := c.client.Get(ctx, productKey(id)).Bytes()
	if err != nil {
		return Product{}, false
	}
	var p Product
	if err := json.Unmarshal(data, &p); err != nil {
		return Product{}, false
	}
	return p, true
}

// Set stores the product under its key.
func (c *ProductCache) Set(ctx context.Context, p Product) error {
	if c == nil || c.client == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, productKey(p.ID), data, c.ttl).Err()
}

// Invalidate drops the cached entry for a product.
func (c *ProductCache) Invalidate(ctx context.Context, id int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	err := c.client.Del(ctx, productKey(id)).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
