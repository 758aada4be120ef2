// Package store opens the local correlation database and applies the
// embedded goose migrations. SQLite (modernc, pure Go) is the default
// backend; Postgres is reached through the pgx stdlib driver.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/harmony/internal/dbx"
	"github.com/dmitrijs2005/harmony/internal/filex"
	"github.com/dmitrijs2005/harmony/internal/migrations"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// sqlitePragmas are appended to every SQLite DSN so each pooled connection
// gets them.
var sqlitePragmas = []string{
	"_pragma=foreign_keys(1)",
	"_pragma=busy_timeout(5000)",
	"_pragma=journal_mode(WAL)",
	"_pragma=synchronous(NORMAL)",
	"_txlock=immediate",
}

// Store is an open database handle together with its dialect.
type Store struct {
	DB      *sql.DB
	Dialect dbx.Dialect
}

// Open connects to the database identified by driver and dsn and migrates
// it to the latest schema version. driver is "sqlite" or "pgx".
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	dialect := dbx.DialectForDriver(driver)

	if dialect == dbx.DialectSQLite {
		if path, ok := sqliteFile(dsn); ok {
			if _, err := filex.EnsureParentDir(path); err != nil {
				return nil, fmt.Errorf("failed to prepare database dir: %w", err)
			}
		}
		driver = "sqlite"
		dsn = withSQLitePragmas(dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == dbx.DialectSQLite {
		// SQLite has a single writer; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{DB: db, Dialect: dialect}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Migrate applies all pending migrations for dialect. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB, dialect dbx.Dialect) error {
	fsys, err := migrations.ForDialect(dialect)
	if err != nil {
		return err
	}

	gooseDialect := goose.DialectSQLite3
	if dialect == dbx.DialectPostgres {
		gooseDialect = goose.DialectPostgres
	}

	provider, err := goose.NewProvider(gooseDialect, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// sqliteFile returns the on-disk path of a SQLite DSN; in-memory DSNs
// report false.
func sqliteFile(dsn string) (string, bool) {
	path, query, _ := strings.Cut(dsn, "?")
	path = strings.TrimPrefix(path, "file:")
	if path == "" || strings.HasPrefix(path, ":memory:") || strings.Contains(query, "mode=memory") {
		return "", false
	}
	return path, true
}

func withSQLitePragmas(dsn string) string {
	if dsn == "" || dsn == ":memory:" {
		dsn = "file::memory:"
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(sqlitePragmas, "&")
}
