// Package migrations embeds the goose SQL migrations for every supported
// dialect. Each dialect lives in its own directory.
package migrations

import (
	"embed"
	"io/fs"

	"github.com/dmitrijs2005/harmony/internal/dbx"
)

//go:embed sqlite/*.sql postgres/*.sql
var Migrations embed.FS

// ForDialect returns the migration directory for d.
func ForDialect(d dbx.Dialect) (fs.FS, error) {
	if d == dbx.DialectPostgres {
		return fs.Sub(Migrations, "postgres")
	}
	return fs.Sub(Migrations, "sqlite")
}
