// Package storage opens the mapping store selected by configuration.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/cexll/ticketbridge/internal/config"
	"github.com/cexll/ticketbridge/internal/mapping"
	"github.com/cexll/ticketbridge/internal/mapping/pgstore"
	"github.com/cexll/ticketbridge/internal/mapping/redisstore"
	"github.com/cexll/ticketbridge/internal/mapping/sqlitestore"
)

// PoolProvider is implemented by stores that run on a PostgreSQL pool.
type PoolProvider interface {
	Pool() *pgxpool.Pool
}

// Open returns the mapping.Store for cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (mapping.Store, error) {
	logger = logger.With().Str("component", "store").Str("driver", cfg.Driver).Logger()

	switch cfg.Driver {
	case "memory":
		logger.Warn().Msg("using in-memory mapping store; mappings are lost on restart")
		return mapping.NewMemoryStore(cfg.ClaimTTL), nil
	case "sqlite", "":
		s, err := sqlitestore.Open(ctx, sqlitestore.Config{
			Path:     cfg.Path,
			ClaimTTL: cfg.ClaimTTL,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := pgstore.Open(ctx, cfg.DSN, cfg.ClaimTTL, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		s, err := redisstore.Open(ctx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			ClaimTTL: cfg.ClaimTTL,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}
