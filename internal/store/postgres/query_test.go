package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

func TestListQueryNumbersParameters(t *testing.T) {
	since := time.Unix(100, 0)
	query, args := listQuery("SELECT 1 FROM t WHERE owner = $1", []any{"0xabc"},
		domain.ListOpts{Since: &since, Limit: 10, Offset: 20})

	require.Equal(t,
		"SELECT 1 FROM t WHERE owner = $1 AND created_at >= $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4",
		query)
	require.Equal(t, []any{"0xabc", since, 10, 20}, args)
}

func TestListQueryWithoutOptions(t *testing.T) {
	query, args := listQuery("SELECT 1 FROM t WHERE 1=1", nil, domain.ListOpts{})
	require.Equal(t, "SELECT 1 FROM t WHERE 1=1 ORDER BY created_at DESC", query)
	require.Empty(t, args)
}

func TestDSN(t *testing.T) {
	require.Equal(t, "postgres://u:p@db:5432/loop?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "loop"}))
	require.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
	require.Equal(t, "postgres://u:p%40ss%2Fw@db:6543/loop?sslmode=require",
		DSN(ClientConfig{User: "u", Password: "p@ss/w", Host: "db", Port: 6543, Database: "loop", SSLMode: "require"}))
}

func TestMigrationNamesSorted(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	require.Equal(t, "001_init.sql", names[0])
	require.IsNonDecreasing(t, names)
}

func TestMigrationsEmbedded(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/001_init.sql")
	require.NoError(t, err)
	for _, table := range []string{"loop_sessions", "loop_iterations", "activity_entries", "audit_log"} {
		require.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS "+table)
	}
}

func TestParseBig(t *testing.T) {
	v, err := parseBig("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	require.NoError(t, err)
	require.Equal(t, 256, v.BitLen())
	_, err = parseBig("1.5")
	require.Error(t, err)
	require.Equal(t, "0", bigString(nil))
}
