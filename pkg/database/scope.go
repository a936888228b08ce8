package database

import (
	"context"
	"fmt"
	"time"

	"github.com/taproom/savedb/pkg/core/connection"
	"github.com/taproom/savedb/pkg/dialects"
	dberrors "github.com/taproom/savedb/pkg/errors"
	"github.com/taproom/savedb/pkg/query"
)

// RunResult reports the effect of a statement that returns no rows.
type RunResult struct {
	LastInsertID int64 `json:"lastInsertId"`
	RowsAffected int64 `json:"rowsAffected"`
}

// Scope runs statements either on any pooled connection or, when bound to a
// transaction id, on the connection pinned to that transaction.
type Scope struct {
	db *Database
	tx connection.TxID
}

// TxID returns the transaction the scope is bound to, or connection.NoTx.
func (s *Scope) TxID() connection.TxID {
	return s.tx
}

// withConn runs fn on an acquired connection and always releases it.
func (s *Scope) withConn(ctx context.Context, fn func(c *connection.Conn) error) error {
	c, err := s.db.pool.Acquire(ctx, s.tx)
	if err != nil {
		return err
	}
	defer s.db.pool.Release(c, s.tx)
	return fn(c)
}

func (s *Scope) observe(ctx context.Context, sqlText string, args []interface{}, start time.Time, err error) error {
	elapsed := time.Since(start)
	s.db.qlog.LogQuery(ctx, sqlText, args, elapsed, err)
	s.db.qstats.Record(sqlText, elapsed, err)
	if err != nil {
		return dberrors.NewStatementError(sqlText, err)
	}
	return nil
}

// Run executes a statement that returns no rows.
func (s *Scope) Run(ctx context.Context, sqlText string, args ...interface{}) (RunResult, error) {
	var res RunResult
	err := s.withConn(ctx, func(c *connection.Conn) error {
		start := time.Now()
		r, err := c.Exec(ctx, sqlText, args...)
		if err == nil {
			res.LastInsertID, _ = r.LastInsertId()
			res.RowsAffected, _ = r.RowsAffected()
		}
		return s.observe(ctx, sqlText, args, start, err)
	})
	return res, err
}

// Query executes a statement and returns all rows in order.
func (s *Scope) Query(ctx context.Context, sqlText string, args ...interface{}) (query.Results, error) {
	var results query.Results
	err := s.withConn(ctx, func(c *connection.Conn) error {
		start := time.Now()
		var err error
		results, err = c.Query(ctx, sqlText, args...)
		return s.observe(ctx, sqlText, args, start, err)
	})
	return results, err
}

// Get executes a statement and returns its first row. ok is false when the
// statement produced no rows.
func (s *Scope) Get(ctx context.Context, sqlText string, args ...interface{}) (row query.Result, ok bool, err error) {
	err = s.withConn(ctx, func(c *connection.Conn) error {
		start := time.Now()
		var qerr error
		row, ok, qerr = c.QueryOne(ctx, sqlText, args...)
		return s.observe(ctx, sqlText, args, start, qerr)
	})
	return row, ok, err
}

// Insert inserts one row and returns its id.
func (s *Scope) Insert(ctx context.Context, table string, data map[string]interface{}) (int64, error) {
	if err := validateWrite(table, data); err != nil {
		return 0, err
	}

	sqlText, args := query.New(s.db.dialect, table).Insert(data).Build()
	res, err := s.execPrepared(ctx, sqlText, args)
	if err != nil {
		return 0, err
	}
	return res.LastInsertID, nil
}

// Upsert inserts a row, or updates the non-key columns when a row with the
// same conflict columns already exists.
func (s *Scope) Upsert(ctx context.Context, table string, data map[string]interface{}, conflictColumns ...string) (RunResult, error) {
	if err := validateWrite(table, data); err != nil {
		return RunResult{}, err
	}
	if len(conflictColumns) == 0 {
		return RunResult{}, dberrors.New(dberrors.ErrInvalidIdentifier, "upsert needs at least one conflict column")
	}
	if err := validateIdentifiers(conflictColumns...); err != nil {
		return RunResult{}, err
	}

	isKey := make(map[string]bool, len(conflictColumns))
	for _, c := range conflictColumns {
		isKey[c] = true
	}
	updates := make(map[string]interface{}, len(data))
	for col, v := range data {
		if !isKey[col] {
			updates[col] = v
		}
	}

	b := query.New(s.db.dialect, table).Insert(data)
	if len(updates) == 0 {
		b.OnConflictDoNothing(conflictColumns...)
	} else {
		b.OnConflictDoUpdate(conflictColumns, updates)
	}
	sqlText, args := b.Build()
	return s.execPrepared(ctx, sqlText, args)
}

// Update updates the row with the given id. It reports whether a row changed.
func (s *Scope) Update(ctx context.Context, table string, id interface{}, data map[string]interface{}) (bool, error) {
	if err := validateWrite(table, data); err != nil {
		return false, err
	}

	sqlText, args := query.New(s.db.dialect, table).Update(data).Where(query.Eq(s.db.idCol, id)).Build()
	res, err := s.execPrepared(ctx, sqlText, args)
	if err != nil {
		return false, err
	}
	return res.RowsAffected > 0, nil
}

// Delete deletes the row with the given id. It reports whether a row was removed.
func (s *Scope) Delete(ctx context.Context, table string, id interface{}) (bool, error) {
	if err := validateIdentifiers(table); err != nil {
		return false, err
	}

	sqlText, args := query.New(s.db.dialect, table).Delete().Where(query.Eq(s.db.idCol, id)).Build()
	res, err := s.execPrepared(ctx, sqlText, args)
	if err != nil {
		return false, err
	}
	return res.RowsAffected > 0, nil
}

// GetByID returns the row with the given id. ok is false when there is none.
func (s *Scope) GetByID(ctx context.Context, table string, id interface{}) (query.Result, bool, error) {
	if err := validateIdentifiers(table); err != nil {
		return nil, false, err
	}

	sqlText, args := query.New(s.db.dialect, table).Select().Where(query.Eq(s.db.idCol, id)).Limit(1).Build()

	var row query.Result
	var ok bool
	err := s.withConn(ctx, func(c *connection.Conn) error {
		start := time.Now()
		var err error
		row, ok, err = c.QueryOnePrepared(ctx, sqlText, args...)
		return s.observe(ctx, sqlText, args, start, err)
	})
	return row, ok, err
}

// Find returns the rows of table matching every condition.
func (s *Scope) Find(ctx context.Context, table string, conditions ...query.Condition) (query.Results, error) {
	if err := validateIdentifiers(append([]string{table}, query.Columns(conditions)...)...); err != nil {
		return nil, err
	}

	sqlText, args := query.New(s.db.dialect, table).Select().Where(conditions...).Build()

	var results query.Results
	err := s.withConn(ctx, func(c *connection.Conn) error {
		start := time.Now()
		var err error
		results, err = c.QueryPrepared(ctx, sqlText, args...)
		return s.observe(ctx, sqlText, args, start, err)
	})
	return results, err
}

// List returns one page of the rows of table matching every condition. A
// limit of zero or less means no limit.
func (s *Scope) List(ctx context.Context, table string, limit, offset int, conditions ...query.Condition) (query.Results, error) {
	if err := validateIdentifiers(append([]string{table}, query.Columns(conditions)...)...); err != nil {
		return nil, err
	}

	sqlText, args := query.New(s.db.dialect, table).Select().Where(conditions...).Limit(limit).Offset(offset).Build()

	var results query.Results
	err := s.withConn(ctx, func(c *connection.Conn) error {
		start := time.Now()
		var err error
		results, err = c.QueryPrepared(ctx, sqlText, args...)
		return s.observe(ctx, sqlText, args, start, err)
	})
	return results, err
}

// Count returns the number of rows of table matching every condition.
func (s *Scope) Count(ctx context.Context, table string, conditions ...query.Condition) (int64, error) {
	if err := validateIdentifiers(append([]string{table}, query.Columns(conditions)...)...); err != nil {
		return 0, err
	}

	sqlText, args := query.New(s.db.dialect, table).Select().Where(conditions...).BuildCount()

	var count int64
	err := s.withConn(ctx, func(c *connection.Conn) error {
		start := time.Now()
		row, _, err := c.QueryOnePrepared(ctx, sqlText, args...)
		if err == nil {
			n, ok := row["count"].(int64)
			if !ok {
				err = fmt.Errorf("unexpected count value %T", row["count"])
			}
			count = n
		}
		return s.observe(ctx, sqlText, args, start, err)
	})
	return count, err
}

func (s *Scope) execPrepared(ctx context.Context, sqlText string, args []interface{}) (RunResult, error) {
	var res RunResult
	err := s.withConn(ctx, func(c *connection.Conn) error {
		start := time.Now()
		r, err := c.ExecPrepared(ctx, sqlText, args...)
		if err == nil {
			res.LastInsertID, _ = r.LastInsertId()
			res.RowsAffected, _ = r.RowsAffected()
		}
		return s.observe(ctx, sqlText, args, start, err)
	})
	return res, err
}

func validateWrite(table string, data map[string]interface{}) error {
	if len(data) == 0 {
		return dberrors.New(dberrors.ErrEmptyData, fmt.Sprintf("no columns given for %q", table))
	}
	names := make([]string, 0, len(data)+1)
	names = append(names, table)
	for col := range data {
		names = append(names, col)
	}
	return validateIdentifiers(names...)
}

func validateIdentifiers(names ...string) error {
	for _, name := range names {
		if err := dialects.ValidateIdentifier(name); err != nil {
			return err
		}
	}
	return nil
}
