package repomanager

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/harmony/internal/dbx"
	"github.com/dmitrijs2005/harmony/internal/repositories/accounts"
	"github.com/dmitrijs2005/harmony/internal/repositories/chronicle"
	"github.com/dmitrijs2005/harmony/internal/repositories/collections"
	"github.com/dmitrijs2005/harmony/internal/repositories/conflicts"
	"github.com/dmitrijs2005/harmony/internal/repositories/entities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) *sql.DB {
	t.Helper()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestFactories_ReturnConcreteRepos(t *testing.T) {
	db := newDB(t)
	m := NewSQLRepositoryManager(dbx.DialectPostgres)

	assert.Equal(t, dbx.DialectPostgres, m.Dialect())
	assert.IsType(t, &accounts.SQLRepository{}, m.Accounts(db))
	assert.IsType(t, &collections.SQLRepository{}, m.Collections(db))
	assert.IsType(t, &entities.SQLRepository{}, m.Entities(db))
	assert.IsType(t, &chronicle.SQLRepository{}, m.Chronicle(db))
	assert.IsType(t, &conflicts.SQLRepository{}, m.Conflicts(db))
}

func TestRunMigrations_UsesDialect(t *testing.T) {
	db := newDB(t)

	orig := migrate
	defer func() { migrate = orig }()

	var got dbx.Dialect
	migrate = func(ctx context.Context, db *sql.DB, d dbx.Dialect) error {
		got = d
		return nil
	}

	require.NoError(t, NewSQLRepositoryManager(dbx.DialectSQLite).RunMigrations(context.Background(), db))
	assert.Equal(t, dbx.DialectSQLite, got)
}

func TestRunMigrations_Error(t *testing.T) {
	db := newDB(t)

	orig := migrate
	defer func() { migrate = orig }()
	migrate = func(context.Context, *sql.DB, dbx.Dialect) error { return errors.New("boom") }

	err := NewSQLRepositoryManager(dbx.DialectSQLite).RunMigrations(context.Background(), db)
	assert.EqualError(t, err, "boom")
}
