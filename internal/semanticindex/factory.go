package semanticindex

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"lumen/internal/config"
	"lumen/internal/telemetry"
)

// NewFromConfig selects and constructs an Index backend by name, mirroring
// tokenstore.NewFromConfig's backend-switch-by-string factory pattern.
// Supported backends: "memory" (default), "postgres"/"pg", "qdrant",
// "auto". When cfg.Redis.Enabled, the constructed backend is wrapped with
// a query-result cache reporting through metrics (nil is a valid no-op).
func NewFromConfig(ctx context.Context, cfg config.VectorConfig, redisCfg config.RedisConfig, metrics telemetry.Metrics) (Index, error) {
	idx, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if !redisCfg.Enabled || redisCfg.Addr == "" {
		return idx, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return idx, nil // cache is an optimization; degrade to uncached
	}
	cached := NewCachedIndex(idx, client, redisCfg.TTL)
	if ci, ok := cached.(*cachedIndex); ok {
		ci.SetMetrics(metrics)
	}
	return cached, nil
}

func newBackend(ctx context.Context, cfg config.VectorConfig) (Index, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryIndex(), nil
	case "auto":
		if cfg.DSN == "" {
			return NewMemoryIndex(), nil
		}
		pool, err := newPgPool(ctx, cfg.DSN)
		if err != nil {
			return NewMemoryIndex(), nil
		}
		idx, err := NewPostgresIndex(ctx, pool, cfg.Dimensions, cfg.Metric)
		if err != nil {
			return NewMemoryIndex(), nil
		}
		return idx, nil
	case "postgres", "pg":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("semanticindex: postgres backend requires a DSN")
		}
		pool, err := newPgPool(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("semanticindex: connect postgres: %w", err)
		}
		return NewPostgresIndex(ctx, pool, cfg.Dimensions, cfg.Metric)
	case "qdrant":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("semanticindex: qdrant backend requires a DSN")
		}
		return NewQdrantIndex(cfg.DSN, cfg.Collection, cfg.Dimensions, cfg.Metric)
	default:
		return nil, fmt.Errorf("semanticindex: unsupported backend %q", cfg.Backend)
	}
}

func newPgPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pcfg.MaxConns = 8
	pcfg.MinConns = 0
	pcfg.MaxConnLifetime = time.Hour
	pcfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
