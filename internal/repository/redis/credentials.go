package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nkiryanov/valisauth/internal/models"
	"github.com/nkiryanov/valisauth/internal/repository"
)

const DefaultPrefix = "valis:credentials"

// Credential repo keeping the pair in one redis hash per slot
// DEL and HSET run in one transaction so readers never see a mixed pair
// and a key of another type left in the slot is replaced
type CredentialRepo struct {
	rdb    goredis.Cmdable
	prefix string
	slot   string
}

func New(rdb goredis.Cmdable, prefix string, slot string) *CredentialRepo {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if slot == "" {
		slot = repository.DefaultSlot
	}
	return &CredentialRepo{rdb: rdb, prefix: prefix, slot: slot}
}

func (r *CredentialRepo) Key() string {
	return r.prefix + ":" + r.slot
}

func (r *CredentialRepo) Get(ctx context.Context) (models.TokenPair, error) {
	values, err := r.rdb.HGetAll(ctx, r.Key()).Result()
	if isWrongType(err) {
		return models.TokenPair{}, nil
	}
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("redis error: %w", err)
	}

	return repository.Normalize(models.TokenPair{
		AccessToken:  values[repository.KeyAccessToken],
		RefreshToken: values[repository.KeyRefreshToken],
	}), nil
}

func (r *CredentialRepo) Set(ctx context.Context, pair models.TokenPair) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, r.Key())
		pipe.HSet(ctx, r.Key(),
			repository.KeyAccessToken, pair.AccessToken,
			repository.KeyRefreshToken, pair.RefreshToken,
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

func (r *CredentialRepo) Clear(ctx context.Context) error {
	if err := r.rdb.Del(ctx, r.Key()).Err(); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

// Malformed slot: the key holds something other than a hash
func isWrongType(err error) bool {
	var rerr goredis.Error
	return errors.As(err, &rerr) && strings.HasPrefix(rerr.Error(), "WRONGTYPE")
}
