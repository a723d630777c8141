// Package pgerr classifies Postgres errors by SQLSTATE code.
//
// SQLSTATE comparisons are load-bearing throughout the reorganization
// engine (missing-extension detection, lock-wait retry), so the codes are
// named constants here rather than repeated as string literals at each
// call site.
package pgerr

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	// InvalidSchemaName is raised when the companion extension's schema
	// does not exist in the current database.
	InvalidSchemaName = "3F000"

	// QueryCanceled is raised when a statement hits its statement_timeout.
	QueryCanceled = "57014"
)

// Code returns the SQLSTATE of err, or "" if err is not a *pgconn.PgError.
func Code(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// Is reports whether err is a *pgconn.PgError carrying the given SQLSTATE.
func Is(err error, code string) bool {
	return Code(err) == code
}

// IsMissingSchema reports whether err indicates the companion extension's
// schema is not installed in the current database.
func IsMissingSchema(err error) bool {
	return Is(err, InvalidSchemaName)
}

// IsStatementTimeout reports whether err indicates a statement was
// canceled by statement_timeout, the signal the lock escalator retries on.
func IsStatementTimeout(err error) bool {
	return Is(err, QueryCanceled)
}
