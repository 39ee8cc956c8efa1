// Package repository holds the SQL-backed identity and refresh-token stores
// together with the sentinel errors they share.  Higher layers compare
// against these values with errors.Is and never inspect driver errors
// directly.
package repository

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrNotFound is returned when the requested row does not exist or, for
// conditional updates, when the row was no longer in the expected state.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write collides with a unique constraint
// other than the identity email.
var ErrConflict = errors.New("conflict")

// ErrEmailExists is returned when an identity with the same normalized email
// is already stored.
var ErrEmailExists = errors.New("email already exists")

// isDuplicateKey reports whether err is a unique-constraint violation on any
// of the supported drivers.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	// modernc may report the primary code only
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
