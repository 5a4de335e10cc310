package config

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/voicelayer/sonicgate/internal/taskstore"
	"github.com/voicelayer/sonicgate/internal/taskstore/postgres"
	redisstore "github.com/voicelayer/sonicgate/internal/taskstore/redis"
)

// OpenRepository constructs the task repository selected by cfg.Driver.
// Backends that hold connections verify connectivity before returning, so a
// misconfigured DSN fails at startup rather than on the first tool call.
// The caller owns the returned repository and must close it on shutdown.
func OpenRepository(ctx context.Context, cfg RepositoryConfig) (taskstore.Repository, error) {
	switch cfg.Driver {
	case DriverMemory, "":
		return taskstore.NewMemory(), nil
	case DriverPostgres:
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("config: open postgres repository: %w", err)
		}
		return store, nil
	case DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("config: ping redis at %s: %w", cfg.RedisAddr, err)
		}
		return redisstore.NewStore(client), nil
	default:
		return nil, fmt.Errorf("config: unknown repository driver %q", cfg.Driver)
	}
}
