package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/akhenakh/lorameteo/storage"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type dialect struct {
	driver string
	schema string
	// numbered placeholders $1, $2 instead of ?
	numbered bool
	classify func(error) storage.ErrorKind
	// dsn rewrites the data source name before opening
	dsn func(string) string
	// setup runs once after opening the connection
	setup func(ctx context.Context, db *sql.DB) error
}

func dialectFor(driver string) (*dialect, error) {
	switch driver {
	case DriverPostgres:
		return postgresDialect, nil
	case DriverSQLite:
		return sqliteDialect, nil
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
}

func (d *dialect) dataSource(dsn string) string {
	if d.dsn == nil {
		return dsn
	}
	return d.dsn(dsn)
}

// rebind rewrites ? placeholders for the dialect.
func (d *dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *dialect) kind(err error) storage.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return storage.KindTimeout
	}
	return d.classify(err)
}
