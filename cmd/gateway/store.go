package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnmchuo/embedapi-gateway/config"
	"github.com/vnmchuo/embedapi-gateway/internal/billing"
)

const redisKeyPrefix = "embedapi:"

// openStore connects the usage store selected by USAGE_STORE. The returned
// close function is always safe to call.
func openStore(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger) (billing.Storage, func(), error) {
	noop := func() {}

	switch cfg.UsageStore {
	case config.StoreMemory:
		logger.Warn("using in-memory usage store, history is lost on exit")
		return billing.NewMemoryStore(), noop, nil

	case config.StoreRedis:
		if rdb == nil {
			return nil, noop, fmt.Errorf("redis store selected but REDIS_ADDR is empty")
		}
		logger.Info("using redis usage store", zap.String("addr", cfg.RedisAddr))
		return billing.NewRedisStore(rdb, redisKeyPrefix), noop, nil

	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, noop, fmt.Errorf("failed to ping postgres: %w", err)
		}
		store := billing.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, noop, err
		}
		logger.Info("using postgres usage store")
		return store, pool.Close, nil

	default:
		store, err := billing.OpenSQLiteStore(ctx, cfg.UsageSQLitePath)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("using sqlite usage store", zap.String("path", cfg.UsageSQLitePath))
		return store, func() { _ = store.Close() }, nil
	}
}

// connectRedis returns nil when no Redis address is configured.
func connectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

// openLedger wires config, store and ledger together for both the server
// and the usage commands.
func openLedger(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger) (*billing.Ledger, func(), error) {
	store, closeStore, err := openStore(ctx, cfg, rdb, logger)
	if err != nil {
		return nil, closeStore, err
	}
	opts := []billing.Option{billing.WithLogger(logger)}
	if cfg.UsageRetention > 0 {
		opts = append(opts, billing.WithRetention(cfg.UsageRetention))
	}
	if cfg.UsageStorageKey != "" {
		opts = append(opts, billing.WithStorageKey(cfg.UsageStorageKey))
	}
	ledger, err := billing.NewLedger(ctx, store, opts...)
	if err != nil {
		closeStore()
		return nil, func() {}, err
	}
	return ledger, closeStore, nil
}
