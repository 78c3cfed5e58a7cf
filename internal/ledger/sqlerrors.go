package ledger

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Retryable PostgreSQL SQLSTATE classes. Anything else reported by the
// server (permissions, missing tables, constraint violations) fails fast.
var pgTransientClasses = map[string]bool{
	"08": true, // connection exception
	"40": true, // transaction rollback: serialization failure, deadlock
	"53": true, // insufficient resources
	"57": true, // operator intervention: admin shutdown, cannot connect now
	"58": true, // system error
}

// pgRetryable marks server-side errors outside the transient classes as
// permanent. Errors without a SQLSTATE (network, pool) stay retryable.
func pgRetryable(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return err
	}
	if pgTransientClasses[pgErr.Code[:2]] {
		return err
	}
	return permanent(err)
}

// sqliteRetryable keeps lock contention and I/O errors retryable and marks
// every other SQLite result code permanent.
func sqliteRetryable(err error) error {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return err
	}
	switch sqlErr.Code() & 0xff { // primary code of an extended result code
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR:
		return err
	}
	return permanent(err)
}
