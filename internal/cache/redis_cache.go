package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"stokkita/backend/internal/domain"
)

type RedisStockCache struct {
	client *redis.Client
}

func NewRedisStockCache(addr string, password string, db int) *RedisStockCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisStockCache{client: client}
}

func (c *RedisStockCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisStockCache) Close() error {
	return c.client.Close()
}

func (c *RedisStockCache) Get(ctx context.Context, key string) (*domain.StockSnapshot, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var snap domain.StockSnapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return nil, false, err
	}
	return &snap, true, nil
}

func (c *RedisStockCache) Set(ctx context.Context, key string, value *domain.StockSnapshot, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *RedisStockCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
