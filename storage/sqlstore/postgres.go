package sqlstore

import (
	_ "embed"
	"errors"

	"github.com/lib/pq"

	"github.com/akhenakh/lorameteo/storage"
)

//go:embed schema_postgres.sql
var postgresSchema string

var postgresDialect = &dialect{
	driver:   DriverPostgres,
	schema:   postgresSchema,
	numbered: true,
	classify: classifyPostgres,
}

const (
	pqClassIntegrityViolation pq.ErrorClass = "23"
	pqQueryCanceled           pq.ErrorCode  = "57014"
	pqLockNotAvailable        pq.ErrorCode  = "55P03"
)

func classifyPostgres(err error) storage.ErrorKind {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return storage.KindIOFault
	}
	switch {
	case pqErr.Code.Class() == pqClassIntegrityViolation:
		return storage.KindConstraintViolation
	case pqErr.Code == pqQueryCanceled, pqErr.Code == pqLockNotAvailable:
		return storage.KindTimeout
	default:
		return storage.KindIOFault
	}
}
