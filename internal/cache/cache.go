// Package cache provides the engine's two-tier cache: an in-memory Ristretto
// L1 for hot lookups and an optional shared Redis L2. Retrieval results and
// embeddings go through it so repeated questions in a session skip the
// expensive paths.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/personal-context-engine/internal/jsonx"
)

// TieredCache layers Ristretto over an optional Redis client. A nil Redis
// client disables the L2 tier; everything still works single-process.
type TieredCache struct {
	l1        *ristretto.Cache[string, []byte]
	l2        *redis.Client
	ttl       time.Duration
	logger    *zap.Logger
	metrics   Metrics
	metricsMu sync.Mutex
}

// Metrics tracks per-tier hit counts.
type Metrics struct {
	L1Hits   int64
	L1Misses int64
	L2Hits   int64
	L2Misses int64
}

// New creates the tiered cache. maxEntries bounds the L1 tier; ttl applies
// to both tiers.
func New(maxEntries int64, ttl time.Duration, l2 *redis.Client, logger *zap.Logger) (*TieredCache, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	l1, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto cache: %w", err)
	}

	return &TieredCache{
		l1:     l1,
		l2:     l2,
		ttl:    ttl,
		logger: logger.Named("cache"),
	}, nil
}

// Get checks L1 first, then L2. An L2 hit is promoted into L1.
func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if val, found := c.l1.Get(key); found {
		c.record(func(m *Metrics) { m.L1Hits++ })
		return val, true
	}
	c.record(func(m *Metrics) { m.L1Misses++ })

	if c.l2 != nil {
		data, err := c.l2.Get(ctx, key).Bytes()
		if err == nil && len(data) > 0 {
			c.record(func(m *Metrics) { m.L2Hits++ })
			c.l1.SetWithTTL(key, data, 1, c.ttl)
			return data, true
		}
		c.record(func(m *Metrics) { m.L2Misses++ })
	}

	return nil, false
}

// Set stores into L1 and, asynchronously, into L2.
func (c *TieredCache) Set(ctx context.Context, key string, data []byte) {
	c.l1.SetWithTTL(key, data, 1, c.ttl)

	if c.l2 != nil {
		go func() {
			if err := c.l2.Set(context.WithoutCancel(ctx), key, data, c.ttl).Err(); err != nil {
				c.logger.Warn("Failed to write L2 cache",
					zap.String("key", key),
					zap.Error(err))
			}
		}()
	}
}

// Delete removes the key from both tiers.
func (c *TieredCache) Delete(ctx context.Context, key string) error {
	c.l1.Del(key)
	if c.l2 != nil {
		if err := c.l2.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("l2 delete: %w", err)
		}
	}
	return nil
}

// GetOrCompute returns the cached value or computes, stores, and returns it.
// Concurrent misses may compute more than once; last write wins.
func (c *TieredCache) GetOrCompute(ctx context.Context, key string, fn func() ([]byte, error)) ([]byte, error) {
	if data, found := c.Get(ctx, key); found {
		return data, nil
	}

	data, err := fn()
	if err != nil {
		return nil, err
	}
	c.Set(ctx, key, data)
	return data, nil
}

// GetJSON decodes a cached entry into out. An entry that no longer decodes
// is dropped and reported as a miss.
func (c *TieredCache) GetJSON(ctx context.Context, key string, out any) bool {
	data, found := c.Get(ctx, key)
	if !found {
		return false
	}
	if err := jsonx.Unmarshal(data, out); err != nil {
		c.logger.Warn("Dropping undecodable cache entry",
			zap.String("key", key),
			zap.Error(err))
		_ = c.Delete(ctx, key)
		return false
	}
	return true
}

// SetJSON encodes v and stores it.
func (c *TieredCache) SetJSON(ctx context.Context, key string, v any) {
	data, err := jsonx.Marshal(v)
	if err != nil {
		c.logger.Warn("Failed to encode cache value",
			zap.String("key", key),
			zap.Error(err))
		return
	}
	c.Set(ctx, key, data)
}

// Clear drops every L1 entry. L2 entries age out via their TTL.
func (c *TieredCache) Clear() {
	c.l1.Clear()
}

// Wait blocks until pending L1 writes are applied. Ristretto admits entries
// asynchronously; tests call this before asserting on Get.
func (c *TieredCache) Wait() {
	c.l1.Wait()
}

// Stats reports hit counts and configuration for the stats endpoint.
func (c *TieredCache) Stats() map[string]interface{} {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()

	total := c.metrics.L1Hits + c.metrics.L1Misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.metrics.L1Hits) / float64(total)
	}

	return map[string]interface{}{
		"l1_hits":      c.metrics.L1Hits,
		"l1_misses":    c.metrics.L1Misses,
		"l2_hits":      c.metrics.L2Hits,
		"l2_misses":    c.metrics.L2Misses,
		"hit_rate":     hitRate,
		"ttl_seconds":  c.ttl.Seconds(),
		"l2_available": c.l2 != nil,
	}
}

// Close releases the L1 tier. The Redis client is owned by the caller.
func (c *TieredCache) Close() error {
	c.l1.Close()
	return nil
}

func (c *TieredCache) record(fn func(*Metrics)) {
	c.metricsMu.Lock()
	fn(&c.metrics)
	c.metricsMu.Unlock()
}
