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
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Dialect() dbx.Dialect
	Accounts(db dbx.DBTX) accounts.Repository
	Collections(db dbx.DBTX) collections.Repository
	Entities(db dbx.DBTX) entities.Repository
	Chronicle(db dbx.DBTX) chronicle.Repository
	Conflicts(db dbx.DBTX) conflicts.Repository
}
