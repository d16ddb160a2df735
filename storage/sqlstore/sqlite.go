package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/akhenakh/lorameteo/storage"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

var sqliteDialect = &dialect{
	driver:   DriverSQLite,
	schema:   sqliteSchema,
	classify: classifySQLite,
	dsn:      sqliteDSN,
	setup:    setupSQLite,
}

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
}

// sqlitePragmaParams are applied by the driver to every new connection.
var sqlitePragmaParams = []string{
	"_pragma=journal_mode(WAL)",
	"_pragma=synchronous(NORMAL)",
	"_pragma=busy_timeout(5000)",
	"_pragma=foreign_keys(1)",
}

// sqliteDSN appends the pragmas to dsn unless the caller already set some.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(sqlitePragmaParams, "&")
}

// setupSQLite serializes access on one connection, sqlite allows a single
// writer anyway. The pragmas are also run here for databases not opened with
// sqliteDSN.
func setupSQLite(ctx context.Context, db *sql.DB) error {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range sqlitePragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func classifySQLite(err error) storage.ErrorKind {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return storage.KindIOFault
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_CONSTRAINT:
		return storage.KindConstraintViolation
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return storage.KindTimeout
	default:
		return storage.KindIOFault
	}
}
