package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nkiryanov/valisauth/internal/db"
	"github.com/nkiryanov/valisauth/internal/repository"
	"github.com/nkiryanov/valisauth/internal/repository/filestore"
	"github.com/nkiryanov/valisauth/internal/repository/memory"
	"github.com/nkiryanov/valisauth/internal/repository/postgres"
	"github.com/nkiryanov/valisauth/internal/repository/redis"
)

// openStore returns the configured credential store and a func releasing its connections
func openStore(ctx context.Context, c *Config) (repository.CredentialRepo, func(), error) {
	noop := func() {}

	switch c.CredentialStore {
	case StoreMemory:
		return memory.New(), noop, nil

	case StoreFile:
		path := c.CredentialFile
		if path == "" {
			dir, err := os.UserConfigDir()
			if err != nil {
				return nil, nil, fmt.Errorf("error while resolving credentials file: %w", err)
			}
			path = filepath.Join(dir, "valis", "credentials")
		}
		return filestore.New(path), noop, nil

	case StorePostgres:
		pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("error while connecting to db. Err: %w", err)
		}
		return postgres.New(pool, repository.DefaultSlot), pool.Close, nil

	case StoreRedis:
		rdb := goredis.NewClient(&goredis.Options{Addr: c.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("error while connecting to redis. Err: %w", err)
		}
		return redis.New(rdb, redis.DefaultPrefix, repository.DefaultSlot), func() { _ = rdb.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown credential store %q", c.CredentialStore)
	}
}
