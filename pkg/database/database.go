// Package database is the CRUD facade over the connection pool. Every
// operation acquires a connection, runs its statement and releases the
// connection, threading an optional transaction id through both steps.
package database

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/taproom/savedb/pkg/core/connection"
	"github.com/taproom/savedb/pkg/dialects/sqlite"
	dberrors "github.com/taproom/savedb/pkg/errors"
	"github.com/taproom/savedb/pkg/query"
)

// DefaultIDColumn is the primary key column used by GetByID, Update and Delete.
const DefaultIDColumn = "id"

// Config configures a Database.
type Config struct {
	Path               string
	MinConnections     int
	MaxConnections     int
	AcquireTimeout     time.Duration
	BusyTimeout        time.Duration
	JournalMode        string
	Synchronous        string
	StatementCacheSize int
	SlowQueryThreshold time.Duration
	MaskQueryArgs      bool
	IDColumn           string
	Dialer             connection.Dialer
	Logger             *slog.Logger
}

// DefaultConfig returns defaults for a database at path.
func DefaultConfig(path string) Config {
	pool := connection.DefaultConfig(path)
	return Config{
		Path:               path,
		MinConnections:     1,
		MaxConnections:     pool.MaxConnections,
		AcquireTimeout:     pool.AcquireTimeout,
		BusyTimeout:        pool.BusyTimeout,
		StatementCacheSize: pool.StatementCacheSize,
		SlowQueryThreshold: query.DefaultSlowQueryThreshold,
		IDColumn:           DefaultIDColumn,
	}
}

// DefaultPath returns the per-user location of the save database.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "taproom", "savegame.db"), nil
}

// Stats combines pool and statement statistics.
type Stats struct {
	Pool    connection.Stats `json:"pool"`
	Queries query.QueryStats `json:"queries"`
}

// Database is the save database. It is created once with Open and passed to
// whatever needs persistence.
type Database struct {
	*Scope

	pool    *connection.Pool
	dialect *sqlite.Dialect
	idCol   string
	logger  *slog.Logger
	qlog    *query.QueryLogger
	qstats  *query.StatsCollector
}

// New creates a Database without opening any connection.
func New(cfg Config) (*Database, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := connection.New(connection.Config{
		Path:               cfg.Path,
		MaxConnections:     cfg.MaxConnections,
		AcquireTimeout:     cfg.AcquireTimeout,
		BusyTimeout:        cfg.BusyTimeout,
		JournalMode:        cfg.JournalMode,
		Synchronous:        cfg.Synchronous,
		StatementCacheSize: cfg.StatementCacheSize,
		Dialer:             cfg.Dialer,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}

	slow := cfg.SlowQueryThreshold
	if slow <= 0 {
		slow = query.DefaultSlowQueryThreshold
	}
	qlog := query.NewQueryLogger(logger)
	qlog.SetSlowQueryThreshold(slow)
	qlog.SetMask(cfg.MaskQueryArgs)

	idCol := cfg.IDColumn
	if idCol == "" {
		idCol = DefaultIDColumn
	}

	db := &Database{
		pool:    pool,
		dialect: sqlite.New(),
		idCol:   idCol,
		logger:  logger,
		qlog:    qlog,
		qstats:  query.NewStatsCollector(slow),
	}
	db.Scope = &Scope{db: db}
	return db, nil
}

// Open creates a Database and initializes its pool with cfg.MinConnections.
func Open(ctx context.Context, cfg Config) (*Database, error) {
	db, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Initialize(ctx, cfg.MinConnections); err != nil {
		return nil, err
	}
	return db, nil
}

// Initialize opens the pool. It is a no-op when already open.
func (d *Database) Initialize(ctx context.Context, minSize int) error {
	if d.pool.Config().Dialer == nil {
		if dir := filepath.Dir(d.pool.Config().Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return dberrors.NewConnectionError(err)
			}
		}
	}
	return d.pool.Initialize(ctx, minSize)
}

// Close tears down every connection. Open transactions are abandoned.
func (d *Database) Close() error {
	return d.pool.Close()
}

// Pool exposes the underlying connection pool.
func (d *Database) Pool() *connection.Pool {
	return d.pool
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.pool.Config().Path
}

// Stats returns pool and statement statistics.
func (d *Database) Stats() Stats {
	return Stats{
		Pool:    d.pool.Stats(),
		Queries: d.qstats.Stats(),
	}
}

// WithTx returns a Scope whose operations run inside the given transaction.
func (d *Database) WithTx(id connection.TxID) *Scope {
	return &Scope{db: d, tx: id}
}

// BeginTransaction starts a transaction and returns its id.
func (d *Database) BeginTransaction(ctx context.Context) (connection.TxID, error) {
	return d.pool.Begin(ctx)
}

// CommitTransaction commits the transaction. The id is invalid afterwards,
// whether or not the commit succeeded.
func (d *Database) CommitTransaction(ctx context.Context, id connection.TxID) error {
	return d.pool.Commit(ctx, id)
}

// RollbackTransaction rolls back the transaction. The id is invalid afterwards.
func (d *Database) RollbackTransaction(ctx context.Context, id connection.TxID) error {
	return d.pool.Rollback(ctx, id)
}

// Transaction runs fn inside a transaction, committing when fn returns nil
// and rolling back when it returns an error or panics.
func (d *Database) Transaction(ctx context.Context, fn func(tx *Scope) error) error {
	id, err := d.BeginTransaction(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = d.RollbackTransaction(ctx, id)
			panic(p)
		}
	}()

	if err := fn(d.WithTx(id)); err != nil {
		if rbErr := d.RollbackTransaction(ctx, id); rbErr != nil {
			d.logger.ErrorContext(ctx, "rollback after failed transaction body", "tx", id, "error", rbErr)
		}
		return err
	}

	return d.CommitTransaction(ctx, id)
}
