package cache

import (
	"context"
	"time"

	"stokkita/backend/internal/domain"
)

// StockCache holds short-lived available-stock snapshots keyed by
// location and ingredient. It is best effort: a miss or error just means
// the caller recomputes from the store.
type StockCache interface {
	Get(ctx context.Context, key string) (*domain.StockSnapshot, bool, error)
	Set(ctx context.Context, key string, value *domain.StockSnapshot, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type NoopStockCache struct{}

func (NoopStockCache) Get(_ context.Context, _ string) (*domain.StockSnapshot, bool, error) {
	return nil, false, nil
}

func (NoopStockCache) Set(_ context.Context, _ string, _ *domain.StockSnapshot, _ time.Duration) error {
	return nil
}

func (NoopStockCache) Delete(_ context.Context, _ ...string) error {
	return nil
}
