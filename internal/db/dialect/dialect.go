// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

import "fmt"

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// Now returns the SQL expression for the current timestamp.
//
//	SQLite:   datetime('now')
//	Postgres: NOW()
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}

// InsertIgnore returns the conflict clause for an idempotent insert keyed on
// the given columns.
//
//	SQLite:   ON CONFLICT(cols) DO NOTHING
//	Postgres: ON CONFLICT (cols) DO NOTHING
func InsertIgnore(driver, cols string) string {
	// Identical on both engines today, kept behind the helper so call sites
	// stay driver-agnostic.
	_ = driver
	return fmt.Sprintf("ON CONFLICT(%s) DO NOTHING", cols)
}

// JSONExtract returns the SQL fragment to extract a JSON value.
//
//	SQLite:   json_extract(col, '$.path')
//	Postgres: col::jsonb->>'path'
func JSONExtract(driver, col, path string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("%s::jsonb->>'%s'", col, path)
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", col, path)
}
