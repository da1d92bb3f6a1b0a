package storage

import (
	"context"
	"fmt"

	"wace-auth/internal/client"
	"wace-auth/internal/config"
	"wace-auth/internal/util"

	"go.uber.org/zap"
)

// Open builds the driver named by cfg.Storage.Driver.
func Open(ctx context.Context, cfg *config.Config) (Storage, error) {
	var (
		s   Storage
		err error
	)

	switch cfg.Storage.Driver {
	case "", "memory":
		s = NewMemory()
	case "redis":
		var rc *client.RedisClient
		rc, err = client.NewRedisClient(cfg)
		if err == nil {
			s = NewRedis(rc.Client)
		}
	case "postgres":
		s, err = OpenPostgres(ctx, cfg.Postgres)
	case "scylla":
		var sc *client.ScyllaClient
		sc, err = client.NewScyllaClient(cfg)
		if err == nil {
			s = NewScylla(sc.Session, sc.Close)
		}
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Driver, err)
	}

	util.Info("Storage opened", zap.String("driver", cfg.Storage.Driver))
	return s, nil
}
