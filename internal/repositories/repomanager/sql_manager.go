// Package repomanager provides the RepositoryManager that vends SQL-backed
// repositories bound to a DBTX, and a schema migration hook.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/harmony/internal/dbx"
	"github.com/dmitrijs2005/harmony/internal/repositories/accounts"
	"github.com/dmitrijs2005/harmony/internal/repositories/chronicle"
	"github.com/dmitrijs2005/harmony/internal/repositories/collections"
	"github.com/dmitrijs2005/harmony/internal/repositories/conflicts"
	"github.com/dmitrijs2005/harmony/internal/repositories/entities"
	"github.com/dmitrijs2005/harmony/internal/store"
)

// SQLRepositoryManager vends repositories for one SQL dialect.
type SQLRepositoryManager struct {
	dialect dbx.Dialect
}

// Dialect returns the dialect every vended repository rebinds queries for.
func (m *SQLRepositoryManager) Dialect() dbx.Dialect {
	return m.dialect
}

// Accounts returns an accounts.Repository bound to the provided DBTX.
func (m *SQLRepositoryManager) Accounts(db dbx.DBTX) accounts.Repository {
	return accounts.NewSQLRepository(db, m.dialect)
}

// Collections returns a collections.Repository bound to the provided DBTX.
func (m *SQLRepositoryManager) Collections(db dbx.DBTX) collections.Repository {
	return collections.NewSQLRepository(db, m.dialect)
}

// Entities returns an entities.Repository bound to the provided DBTX.
func (m *SQLRepositoryManager) Entities(db dbx.DBTX) entities.Repository {
	return entities.NewSQLRepository(db, m.dialect)
}

// Chronicle returns a chronicle.Repository bound to the provided DBTX.
func (m *SQLRepositoryManager) Chronicle(db dbx.DBTX) chronicle.Repository {
	return chronicle.NewSQLRepository(db, m.dialect)
}

// Conflicts returns a conflicts.Repository bound to the provided DBTX.
func (m *SQLRepositoryManager) Conflicts(db dbx.DBTX) conflicts.Repository {
	return conflicts.NewSQLRepository(db, m.dialect)
}

// migrate is a seam for testing store.Migrate.
var migrate = store.Migrate

// RunMigrations applies the embedded migrations for the manager's dialect.
func (m *SQLRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	return migrate(ctx, db, m.dialect)
}

// NewSQLRepositoryManager constructs a RepositoryManager for dialect.
func NewSQLRepositoryManager(dialect dbx.Dialect) RepositoryManager {
	return &SQLRepositoryManager{dialect: dialect}
}
