// Package repotest holds the behaviour every CredentialRepo backend must share
package repotest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/valisauth/internal/models"
	"github.com/nkiryanov/valisauth/internal/repository"
)

// Run the credential repository contract against fresh repos created by newRepo
func RunContract(t *testing.T, newRepo func(t *testing.T) repository.CredentialRepo) {
	t.Helper()

	pair := models.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"}

	t.Run("empty store returns empty pair", func(t *testing.T) {
		repo := newRepo(t)

		got, err := repo.Get(t.Context())

		require.NoError(t, err, "missing storage is not an error")
		require.True(t, got.IsZero())
	})

	t.Run("set then get", func(t *testing.T) {
		repo := newRepo(t)

		err := repo.Set(t.Context(), pair)
		require.NoError(t, err)

		got, err := repo.Get(t.Context())
		require.NoError(t, err)
		require.Equal(t, pair, got)
	})

	t.Run("set overwrites both fields", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Set(t.Context(), pair))

		next := models.TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"}
		err := repo.Set(t.Context(), next)
		require.NoError(t, err)

		got, err := repo.Get(t.Context())
		require.NoError(t, err)
		require.Equal(t, next, got)
	})

	t.Run("clear removes both fields", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Set(t.Context(), pair))

		err := repo.Clear(t.Context())
		require.NoError(t, err)

		got, err := repo.Get(t.Context())
		require.NoError(t, err)
		require.True(t, got.IsZero(), "store must be empty after clear")
	})

	t.Run("clear is idempotent", func(t *testing.T) {
		repo := newRepo(t)

		require.NoError(t, repo.Clear(t.Context()))
		require.NoError(t, repo.Clear(t.Context()), "clearing an empty store must not fail")
	})
}
