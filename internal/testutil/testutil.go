package testutil

import (
	"context"
	"net"
	"os"
	"os/exec"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/nkiryanov/valisauth/internal/db"
)

// FreeAddr returns a loopback address nobody listens on at the moment of the call
func FreeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "failed to acquire free port")
	defer ln.Close() // nolint:errcheck

	return ln.Addr().String()
}

type PostgresContainer struct {
	Pool *pgxpool.Pool
	DSN  string
}

// Start a migrated postgres in docker, stopped when the test ends
// Tests are skipped without docker unless VALIS_REQUIRE_DOCKER is set
func StartPostgresContainer(t *testing.T) PostgresContainer {
	t.Helper()

	out, err := exec.Command("docker", "info", "--format", "{{.ServerVersion}}").CombinedOutput()
	if err != nil {
		if os.Getenv("VALIS_REQUIRE_DOCKER") != "" {
			t.Fatalf("docker is required but not available. Err:%s", out)
		}
		t.Skipf("docker not available, skipping postgres tests: %s", out)
	}

	container, err := postgres.Run(t.Context(),
		"postgres:17-alpine",
		postgres.WithDatabase("valisauth-test"),
		postgres.WithUsername("valis"),
		postgres.WithPassword("pwd"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := container.ConnectionString(t.Context(), "sslmode=disable")
	require.NoError(t, err, "failed to get postgres connection string")

	pool, err := db.ConnectAndMigrate(t.Context(), dsn)
	require.NoError(t, err, "failed to connect and migrate credentials schema")
	t.Cleanup(pool.Close)

	return PostgresContainer{Pool: pool, DSN: dsn}
}

type beginner interface {
	Begin(context.Context) (pgx.Tx, error)
}

// Tx opens a transaction rolled back when the test ends
// Rows written through it never reach other tests
func Tx(t *testing.T, conn beginner) pgx.Tx {
	t.Helper()

	tx, err := conn.Begin(t.Context())
	require.NoError(t, err)

	t.Cleanup(func() {
		// t.Context is already canceled during cleanup
		err := tx.Rollback(context.Background())
		require.NoError(t, err)
	})

	return tx
}
