package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss is returned when a product is not in the cache.
var ErrCacheMiss = errors.New("cache miss")

type Client struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewClient creates a new Redis client for the product snapshot cache
func NewClient(addr, password string, db int, ttl time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb, ttl: ttl}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func productKey(productID int64) string {
	return fmt.Sprintf("product:%d", productID)
}

// GetProduct fetches a cached product snapshot. Returns ErrCacheMiss when the
// key is absent or the payload cannot be decoded.
func (c *Client) GetProduct(ctx context.Context, productID int64) (*models.Product, error) {
	raw, err := c.rdb.Get(ctx, productKey(productID)).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get failed: %w", err)
	}

	var product models.Product
	if err := json.Unmarshal(raw, &product); err != nil {
		return nil, ErrCacheMiss
	}
	return &product, nil
}

// SetProduct stores a product snapshot with the configured TTL
func (c *Client) SetProduct(ctx context.Context, product *models.Product) error {
	raw, err := json.Marshal(product)
	if err != nil {
		return fmt.Errorf("cache marshal failed: %w", err)
	}
	return c.rdb.Set(ctx, productKey(product.ID), raw, c.ttl).Err()
}

// InvalidateProducts drops cached snapshots for the given products. Called
// after a checkout commits a stock decrement so advisory reads converge on the
// new stock.
func (c *Client) InvalidateProducts(ctx context.Context, productIDs ...int64) error {
	if len(productIDs) == 0 {
		return nil
	}
	keys := make([]string, len(productIDs))
	for i, id := range productIDs {
		keys[i] = productKey(id)
	}
	return c.rdb.Del(ctx, keys...).Err()
}
