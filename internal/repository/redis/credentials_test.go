package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/valisauth/internal/models"
	"github.com/nkiryanov/valisauth/internal/repository"
	"github.com/nkiryanov/valisauth/internal/repository/repotest"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err, "miniredis should start")
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func TestCredentialRepo(t *testing.T) {
	repotest.RunContract(t, func(t *testing.T) repository.CredentialRepo {
		_, rdb := newMiniredis(t)
		return New(rdb, "", "")
	})

	t.Run("stored as hash under prefixed key", func(t *testing.T) {
		mr, rdb := newMiniredis(t)
		r := New(rdb, "test", "alice")

		err := r.Set(t.Context(), models.TokenPair{AccessToken: "a1", RefreshToken: "r1"})
		require.NoError(t, err)

		assert.Equal(t, "test:alice", r.Key())
		assert.Equal(t, "a1", mr.HGet("test:alice", "access_token"))
		assert.Equal(t, "r1", mr.HGet("test:alice", "refresh_token"))
	})

	t.Run("half pair reads as empty", func(t *testing.T) {
		mr, rdb := newMiniredis(t)
		mr.HSet(DefaultPrefix+":"+repository.DefaultSlot, "access_token", "a1")

		got, err := New(rdb, "", "").Get(t.Context())

		require.NoError(t, err)
		assert.True(t, got.IsZero())
	})

	t.Run("key of another type reads as empty", func(t *testing.T) {
		mr, rdb := newMiniredis(t)
		r := New(rdb, "", "")
		require.NoError(t, mr.Set(r.Key(), "garbage"))

		got, err := r.Get(t.Context())

		require.NoError(t, err, "malformed storage is not an infrastructure failure")
		assert.True(t, got.IsZero())
	})

	t.Run("set replaces key of another type", func(t *testing.T) {
		mr, rdb := newMiniredis(t)
		r := New(rdb, "", "")
		_, err := mr.Lpush(r.Key(), "garbage")
		require.NoError(t, err)

		err = r.Set(t.Context(), models.TokenPair{AccessToken: "a1", RefreshToken: "r1"})
		require.NoError(t, err)

		got, err := r.Get(t.Context())
		require.NoError(t, err)
		assert.Equal(t, models.TokenPair{AccessToken: "a1", RefreshToken: "r1"}, got)
	})

	t.Run("set drops stray fields", func(t *testing.T) {
		mr, rdb := newMiniredis(t)
		r := New(rdb, "", "")
		mr.HSet(r.Key(), "provider_token", "stale")

		require.NoError(t, r.Set(t.Context(), models.TokenPair{AccessToken: "a1", RefreshToken: "r1"}))

		keys, err := mr.HKeys(r.Key())
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"access_token", "refresh_token"}, keys)
	})

	t.Run("unreachable server is an error", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
		t.Cleanup(func() { _ = rdb.Close() })
		mr.Close()

		_, err = New(rdb, "", "").Get(t.Context())

		require.Error(t, err, "infrastructure failure must surface")
	})
}
