// Package dialect abstracts the SQL differences between the supported
// backends so the store can keep a single set of ?-placeholder queries.
package dialect

import (
	"fmt"
	"strings"
)

// Dialect is the small surface the telemetry store needs per backend.
type Dialect interface {
	// Name identifies the dialect ("sqlite", "postgres").
	Name() string
	// DriverName is the database/sql driver to open.
	DriverName() string
	// Rebind converts ? placeholders to the dialect's native format.
	Rebind(query string) string
	// InitStatements run once after connect (PRAGMAs for SQLite).
	InitStatements() []string
	// CurrentTimestamp is the SQL expression for now.
	CurrentTimestamp() string
}

// FromDriverName resolves a configured driver string.
func FromDriverName(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	case "postgres", "pgx":
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return "sqlite" }
func (sqliteDialect) DriverName() string { return "sqlite" }

func (sqliteDialect) Rebind(query string) string { return query }

func (sqliteDialect) InitStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
}

func (sqliteDialect) CurrentTimestamp() string { return "CURRENT_TIMESTAMP" }

type postgresDialect struct{}

func (postgresDialect) Name() string       { return "postgres" }
func (postgresDialect) DriverName() string { return "pgx" }

func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	idx := 1
	for _, ch := range query {
		if ch == '?' {
			fmt.Fprintf(&b, "$%d", idx)
			idx++
		} else {
			b.WriteRune(ch)
		}
	}
	return b.String()
}

func (postgresDialect) InitStatements() []string { return nil }

func (postgresDialect) CurrentTimestamp() string { return "NOW()" }
