package tokenstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"lumen/internal/config"
)

// NewFromConfig selects and constructs a Store backend by name, mirroring
// this codebase's backend-switch-by-string factory pattern. Supported
// backends: "memory" (default), "postgres"/"pg", "auto".
func NewFromConfig(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "auto":
		if cfg.DSN == "" {
			return NewMemoryStore(), nil
		}
		pool, err := newPgPool(ctx, cfg.DSN)
		if err != nil {
			return NewMemoryStore(), nil
		}
		return NewPostgresStore(ctx, pool)
	case "postgres", "pg":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("tokenstore: postgres backend requires a DSN")
		}
		pool, err := newPgPool(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("tokenstore: connect postgres: %w", err)
		}
		return NewPostgresStore(ctx, pool)
	default:
		return nil, fmt.Errorf("tokenstore: unsupported backend %q", cfg.Backend)
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
