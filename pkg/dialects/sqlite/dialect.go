// Package sqlite provides SQLite dialect implementation.
package sqlite

import (
	"fmt"
	"strings"
	"time"
)

// Dialect implements the SQLite dialect.
type Dialect struct{}

// New creates a new SQLite dialect.
func New() *Dialect {
	return &Dialect{}
}

// Name returns the dialect name.
func (d *Dialect) Name() string {
	return "sqlite"
}

// DriverName returns the Go sql driver name registered by mattn/go-sqlite3.
func (d *Dialect) DriverName() string {
	return "sqlite3"
}

// Quote quotes an identifier, doubling any embedded quote characters.
func (d *Dialect) Quote(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// Placeholder returns the parameter placeholder.
func (d *Dialect) Placeholder(index int) string {
	return "?"
}

// DSN builds the driver data source name for a database file.
// Transactions take the write lock at BEGIN so concurrent writers queue on
// busy_timeout instead of failing on lock upgrade.
func (d *Dialect) DSN(path string) string {
	return path + "?_txlock=immediate"
}

// PragmaOptions controls the per-connection pragmas.
type PragmaOptions struct {
	BusyTimeout time.Duration
	JournalMode string // defaults to WAL
	Synchronous string // defaults to NORMAL
}

// Pragmas returns the statements run on every new connection.
// foreign_keys is always enabled.
func (d *Dialect) Pragmas(opts PragmaOptions) []string {
	journal := opts.JournalMode
	if journal == "" {
		journal = "WAL"
	}
	sync := opts.Synchronous
	if sync == "" {
		sync = "NORMAL"
	}

	var pragmas []string
	if opts.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds()))
	}
	return append(pragmas,
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = "+journal,
		"PRAGMA synchronous = "+sync,
	)
}
