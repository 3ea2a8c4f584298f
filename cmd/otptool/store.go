package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jeremyhahn/go-otp/pkg/config"
	"github.com/jeremyhahn/go-otp/pkg/credential"
)

var errNoStore = errors.New("no credential store configured: set --redis-url or --database-url")

// openStore connects to the configured backend. Redis wins when both are set.
func openStore(ctx context.Context, cfg *config.Config) (credential.Store, func(), error) {
	switch {
	case cfg.Redis.URL != "":
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		store := credential.NewRedisStore(client, credential.WithKeyPrefix(cfg.Redis.KeyPrefix))
		return store, func() { _ = client.Close() }, nil

	case cfg.Database.URL != "":
		pool, err := openPool(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, err
		}
		store := credential.NewPostgresStore(pool).WithTable(cfg.Database.Table)
		return store, pool.Close, nil
	}

	return nil, nil, errNoStore
}

func openPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return pool, nil
}

func (rt *runtime) migrate(ctx context.Context) error {
	if rt.cfg.Database.URL == "" {
		return errors.New("migrate requires --database-url")
	}

	pool, err := openPool(ctx, rt.cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := credential.NewPostgresStore(pool).WithTable(rt.cfg.Database.Table)
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	rt.logger.Info("credential table ready", zap.String("table", rt.cfg.Database.Table))
	return nil
}
