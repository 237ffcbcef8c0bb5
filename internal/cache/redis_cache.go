package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/HenriqueMts/vestra-erp-sub000/internal/domain"
)

const closureReportPrefix = "vestra:closure-report:"

type RedisClosureReportCache struct {
	client *redis.Client
}

func NewRedisClosureReportCache(addr string, password string, db int) *RedisClosureReportCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisClosureReportCache{client: client}
}

func (c *RedisClosureReportCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisClosureReportCache) Close() error {
	return c.client.Close()
}

func (c *RedisClosureReportCache) Get(ctx context.Context, closureID string) (*domain.ClosureReport, bool, error) {
	val, err := c.client.Get(ctx, closureReportPrefix+closureID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var report domain.ClosureReport
	if err := json.Unmarshal(val, &report); err != nil {
		return nil, false, err
	}
	return &report, true, nil
}

func (c *RedisClosureReportCache) Set(ctx context.Context, closureID string, value *domain.ClosureReport, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, closureReportPrefix+closureID, payload, ttl).Err()
}

func (c *RedisClosureReportCache) Delete(ctx context.Context, closureID string) error {
	return c.client.Del(ctx, closureReportPrefix+closureID).Err()
}
