// Package pgtest connects tests to the PostgreSQL instance named by the
// TEST_DATABASE environment variable. Tests are skipped when it is unset.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// EnvVar holds the connection string used by tests.
const EnvVar = "TEST_DATABASE"

// ParseConfig returns a connection config that logs server notices to t.
func ParseConfig(t testing.TB) *pgx.ConnConfig {
	t.Helper()
	connString := os.Getenv(EnvVar)
	if connString == "" {
		t.Skipf("%s not set", EnvVar)
	}

	config, err := pgx.ParseConfig(connString)
	require.NoError(t, err)

	config.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		t.Logf("PostgreSQL %s: %s", n.Severity, n.Message)
	}
	return config
}

// Connect opens a connection that is closed when the test finishes.
func Connect(ctx context.Context, t testing.TB) *pgx.Conn {
	t.Helper()
	conn, err := pgx.ConnectConfig(ctx, ParseConfig(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, conn.Close(ctx))
	})
	return conn
}
