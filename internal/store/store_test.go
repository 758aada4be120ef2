package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dmitrijs2005/harmony/internal/dbx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableExists(t *testing.T, s *Store, name string) bool {
	t.Helper()
	var n int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

func TestOpen_CreatesSchema(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "harmony.db")

	s, err := Open(ctx, "sqlite", dsn)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, dbx.DialectSQLite, s.Dialect)
	for _, table := range []string{"accounts", "collections", "entities", "chronicle", "chronicle_horizons", "conflicts", "goose_db_version"} {
		assert.True(t, tableExists(t, s, table), "missing table %s", table)
	}
}

func TestMigrate_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "harmony.db")

	s, err := Open(ctx, "sqlite", dsn)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, Migrate(ctx, s.DB, s.Dialect))
	require.NoError(t, Migrate(ctx, s.DB, s.Dialect))
}

func TestOpen_ForeignKeysEnforced(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.DB.ExecContext(ctx, `INSERT INTO collections (id, account_id, entity_type, uuid) VALUES ('c1', 'missing', 'contact', 'u1')`)
	require.Error(t, err, "collection without account must be rejected")
}

func TestWithSQLitePragmas(t *testing.T) {
	got := withSQLitePragmas("vault.db")
	assert.True(t, strings.HasPrefix(got, "vault.db?_pragma=foreign_keys(1)"))

	got = withSQLitePragmas("file:x?mode=memory")
	assert.True(t, strings.HasPrefix(got, "file:x?mode=memory&_pragma="))

	got = withSQLitePragmas("")
	assert.True(t, strings.HasPrefix(got, "file::memory:?"))
}

func TestOpen_CreatesParentDir(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "data", "nested", "harmony.db")

	s, err := Open(context.Background(), "sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	assert.True(t, tableExists(t, s, "accounts"))
}

func TestSQLiteFile(t *testing.T) {
	tests := []struct {
		dsn  string
		path string
		ok   bool
	}{
		{dsn: "harmony.db", path: "harmony.db", ok: true},
		{dsn: "file:/var/lib/harmony.db?_pragma=x", path: "/var/lib/harmony.db", ok: true},
		{dsn: ":memory:"},
		{dsn: ""},
		{dsn: "file::memory:"},
		{dsn: "file:TestX?mode=memory&cache=shared"},
	}
	for _, tt := range tests {
		path, ok := sqliteFile(tt.dsn)
		assert.Equal(t, tt.ok, ok, tt.dsn)
		assert.Equal(t, tt.path, path, tt.dsn)
	}
}
