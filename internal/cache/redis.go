// Package cache keeps the latest detection result in Redis so API and
// dashboard processes can read it without talking to the engine.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/polyinsider/shadowflow/internal/store"
)

// Cache keys.
const (
	KeyLatestResult     = "shadowflow:result:latest"
	KeyLatestAssessment = "shadowflow:assessment:latest"
)

// ResultCache stores the most recent Result as JSON.
type ResultCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewResultCache connects to Redis and verifies the connection.
// Entries expire after ttl so readers never see a result from a dead engine.
func NewResultCache(addr string, ttl time.Duration) (*ResultCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewResultCacheWithClient(rdb, ttl), nil
}

// NewResultCacheWithClient wraps an existing client.
func NewResultCacheWithClient(client *redis.Client, ttl time.Duration) *ResultCache {
	return &ResultCache{client: client, ttl: ttl}
}

// Publish replaces the cached result and assessment in one MULTI/EXEC, so a
// reader never sees a result next to an assessment from another cycle.
func (c *ResultCache) Publish(ctx context.Context, r *store.Result) error {
	result, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	assessment, err := json.Marshal(r.Assessment)
	if err != nil {
		return fmt.Errorf("marshal assessment: %w", err)
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, KeyLatestResult, string(result), c.ttl)
		pipe.Set(ctx, KeyLatestAssessment, string(assessment), c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Latest returns the cached result. found is false on a cache miss.
func (c *ResultCache) Latest(ctx context.Context) (*store.Result, bool, error) {
	val, err := c.client.Get(ctx, KeyLatestResult).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var r store.Result
	if err := json.Unmarshal([]byte(val), &r); err != nil {
		return nil, false, fmt.Errorf("decode cached result: %w", err)
	}
	return &r, true, nil
}

// Close releases the client.
func (c *ResultCache) Close() error {
	return c.client.Close()
}
