package connection

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/taproom/savedb/pkg/query"
)

// Conn is one physical database connection owned by a Pool.
//
// A Conn is handed out by Pool.Acquire and must be given back with Pool.Release.
// While a transaction is open on it, every statement runs inside that transaction.
type Conn struct {
	id        int64
	raw       *sqlx.Conn
	createdAt time.Time
	stmts     *StmtCache
	broken    atomic.Bool
	closeOnce sync.Once

	// guarded by Pool.mu
	gen        uint64
	pinnedTo   TxID
	checkedOut bool

	mu sync.Mutex // serializes statements on the connection
	tx *sqlx.Tx
}

func newConn(id int64, raw *sqlx.Conn, cacheSize int) *Conn {
	return &Conn{
		id:        id,
		raw:       raw,
		createdAt: time.Now(),
		stmts:     NewStmtCache(raw, cacheSize),
	}
}

// ID returns the pool-unique connection number.
func (c *Conn) ID() int64 {
	return c.id
}

// Alive reports whether the connection can be reused.
func (c *Conn) Alive() bool {
	return !c.broken.Load()
}

// CreatedAt returns when the connection was opened.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// InTransaction reports whether a transaction is open on the connection.
func (c *Conn) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx != nil
}

// CacheStats returns statistics of the prepared statement cache.
func (c *Conn) CacheStats() CacheStats {
	return c.stmts.Stats()
}

// Exec runs a statement that returns no rows. Multiple statements separated
// by semicolons are allowed when no arguments are bound.
func (c *Conn) Exec(ctx context.Context, sqlText string, args ...interface{}) (sql.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res sql.Result
	var err error
	if c.tx != nil {
		res, err = c.tx.ExecContext(ctx, sqlText, args...)
	} else {
		res, err = c.raw.ExecContext(ctx, sqlText, args...)
	}
	c.observe(err)
	return res, err
}

// Query runs a statement and returns every row.
func (c *Conn) Query(ctx context.Context, sqlText string, args ...interface{}) (query.Results, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.queryLocked(ctx, sqlText, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results, err := query.ScanRows(rows)
	c.observe(err)
	return results, err
}

// QueryOne runs a statement and returns its first row, if any.
func (c *Conn) QueryOne(ctx context.Context, sqlText string, args ...interface{}) (query.Result, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.queryLocked(ctx, sqlText, args)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	row, ok, err := query.ScanOne(rows)
	c.observe(err)
	return row, ok, err
}

// ExecPrepared is Exec for a single generated statement. Outside a transaction
// the statement is prepared once and cached on the connection.
func (c *Conn) ExecPrepared(ctx context.Context, sqlText string, args ...interface{}) (sql.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx != nil {
		res, err := c.tx.ExecContext(ctx, sqlText, args...)
		c.observe(err)
		return res, err
	}

	stmt, err := c.stmts.Get(ctx, sqlText)
	if err != nil {
		c.observe(err)
		return nil, err
	}
	res, err := stmt.ExecContext(ctx, args...)
	c.observe(err)
	return res, err
}

// QueryPrepared is Query for a single generated statement.
func (c *Conn) QueryPrepared(ctx context.Context, sqlText string, args ...interface{}) (query.Results, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.queryPreparedLocked(ctx, sqlText, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results, err := query.ScanRows(rows)
	c.observe(err)
	return results, err
}

// QueryOnePrepared is QueryOne for a single generated statement.
func (c *Conn) QueryOnePrepared(ctx context.Context, sqlText string, args ...interface{}) (query.Result, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.queryPreparedLocked(ctx, sqlText, args)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	row, ok, err := query.ScanOne(rows)
	c.observe(err)
	return row, ok, err
}

func (c *Conn) queryLocked(ctx context.Context, sqlText string, args []interface{}) (*sqlx.Rows, error) {
	var rows *sqlx.Rows
	var err error
	if c.tx != nil {
		rows, err = c.tx.QueryxContext(ctx, sqlText, args...)
	} else {
		rows, err = c.raw.QueryxContext(ctx, sqlText, args...)
	}
	c.observe(err)
	return rows, err
}

func (c *Conn) queryPreparedLocked(ctx context.Context, sqlText string, args []interface{}) (*sqlx.Rows, error) {
	if c.tx != nil {
		return c.queryLocked(ctx, sqlText, args)
	}

	stmt, err := c.stmts.Get(ctx, sqlText)
	if err != nil {
		c.observe(err)
		return nil, err
	}
	rows, err := stmt.QueryxContext(ctx, args...)
	c.observe(err)
	return rows, err
}

// begin opens a transaction. The transaction outlives ctx: it ends only on
// commit, rollback or connection teardown.
func (c *Conn) begin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx != nil {
		return errors.New("transaction already open on connection")
	}
	tx, err := c.raw.BeginTxx(context.WithoutCancel(ctx), nil)
	c.observe(err)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

// end commits or rolls back the open transaction. A connection whose
// transaction could not be ended cleanly is marked broken.
func (c *Conn) end(commit bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx == nil {
		return errors.New("no transaction open on connection")
	}

	var err error
	if commit {
		err = c.tx.Commit()
	} else {
		err = c.tx.Rollback()
	}
	c.tx = nil
	if err != nil {
		c.broken.Store(true)
	}
	return err
}

// observe marks the connection broken when the driver reports it unusable.
func (c *Conn) observe(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		c.broken.Store(true)
	}
}

// close tears down the physical link. An open transaction is abandoned and
// SQLite discards its changes. Safe to call more than once.
func (c *Conn) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.tx != nil {
			_ = c.tx.Rollback()
			c.tx = nil
		}
		c.mu.Unlock()

		c.stmts.Clear()

		if c.broken.Load() {
			// Returning ErrBadConn makes database/sql drop the driver
			// connection instead of parking it in its own idle list.
			_ = c.raw.Raw(func(interface{}) error { return driver.ErrBadConn })
		}
		if cerr := c.raw.Close(); cerr != nil && !errors.Is(cerr, sql.ErrConnDone) {
			err = fmt.Errorf("close connection %d: %w", c.id, cerr)
		}
	})
	return err
}
