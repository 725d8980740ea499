package semanticindex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"lumen/internal/telemetry"
	"lumen/internal/token"
)

// NewCachedIndex wraps inner with a Redis-backed cache of Query results,
// keyed by a hash of the query embedding. Returns inner unchanged if client
// is nil.
func NewCachedIndex(inner Index, client redis.UniversalClient, ttl time.Duration) Index {
	if client == nil {
		return inner
	}
	if ttl <= 0 {
		ttl = 1 * time.Hour
	}
	return &cachedIndex{inner: inner, client: client, ttl: ttl}
}

type cachedIndex struct {
	inner   Index
	client  redis.UniversalClient
	ttl     time.Duration
	metrics telemetry.Metrics
}

// SetMetrics installs a metrics sink for cache hit/miss and query latency
// reporting. Safe to call before first use; nil is a valid no-op sink.
func (c *cachedIndex) SetMetrics(m telemetry.Metrics) {
	c.metrics = m
}

func queryCacheKey(queryEmbedding []float32, topK int) string {
	h := fnvHash(queryEmbedding)
	return fmt.Sprintf("lumen:semanticindex:query:%x:%d", h, topK)
}

func fnvHash(v []float32) uint64 {
	var h uint64 = 1469598103934665603
	for _, f := range v {
		bits := uint32(f * 1e6) // coarse quantization is fine for a cache key
		h ^= uint64(bits)
		h *= 1099511628211
	}
	return h
}

func (c *cachedIndex) Upsert(ctx context.Context, entry Entry) error {
	return c.inner.Upsert(ctx, entry)
}

func (c *cachedIndex) Get(ctx context.Context, tuple token.Tuple) (Entry, bool, error) {
	return c.inner.Get(ctx, tuple)
}

func (c *cachedIndex) IncrementReferenceCount(ctx context.Context, tuple token.Tuple) error {
	return c.inner.IncrementReferenceCount(ctx, tuple)
}

func (c *cachedIndex) Query(ctx context.Context, queryEmbedding []float32, topK int) ([]Scored, error) {
	start := time.Now()
	key := queryCacheKey(queryEmbedding, topK)
	if val, err := c.client.Get(ctx, key).Result(); err == nil {
		var cached []Scored
		if jsonErr := json.Unmarshal([]byte(val), &cached); jsonErr == nil {
			if c.metrics != nil {
				c.metrics.IncCounter(telemetry.MetricEmbeddingCacheHit, nil)
				c.metrics.ObserveHistogram(telemetry.MetricSemanticQueryLatency, float64(time.Since(start).Milliseconds()), nil)
			}
			return cached, nil
		}
	} else if err != redis.Nil {
		log.Debug().Err(err).Str("key", key).Msg("semanticindex cache get error")
	}
	if c.metrics != nil {
		c.metrics.IncCounter(telemetry.MetricEmbeddingCacheMiss, nil)
	}

	results, err := c.inner.Query(ctx, queryEmbedding, topK)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.ObserveHistogram(telemetry.MetricSemanticQueryLatency, float64(time.Since(start).Milliseconds()), nil)
	}
	if data, err := json.Marshal(results); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			log.Debug().Err(err).Str("key", key).Msg("semanticindex cache set error")
		}
	}
	return results, nil
}

func (c *cachedIndex) Stats(ctx context.Context) (Stats, error) {
	return c.inner.Stats(ctx)
}

func (c *cachedIndex) Export(ctx context.Context) ([]Entry, error) {
	return c.inner.Export(ctx)
}

func (c *cachedIndex) Import(ctx context.Context, entries []Entry) error {
	// Cached query results may now be stale; Import is a full replace
	// (export/import round trip), so every cached query key is deleted.
	if err := c.inner.Import(ctx, entries); err != nil {
		return err
	}
	return c.flush(ctx)
}

func (c *cachedIndex) flush(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, "lumen:semanticindex:query:*", 200).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			log.Debug().Err(err).Str("key", iter.Val()).Msg("semanticindex cache flush error")
		}
	}
	return iter.Err()
}

func (c *cachedIndex) Close(ctx context.Context) error {
	return c.inner.Close(ctx)
}
