package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taproom/savedb/pkg/core/connection"
	dberrors "github.com/taproom/savedb/pkg/errors"
	"github.com/taproom/savedb/pkg/query"
)

const testSchema = `
CREATE TABLE venues (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	reputation INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE staff (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	venue_id INTEGER NOT NULL REFERENCES venues(id),
	name TEXT NOT NULL,
	wage REAL
);
CREATE TABLE settings (
	key TEXT PRIMARY KEY,
	value TEXT
);
`

func openTestDB(t *testing.T, mutate func(*Config)) *Database {
	t.Helper()

	cfg := DefaultConfig(filepath.Join(t.TempDir(), "saves", "savegame.db"))
	cfg.MaxConnections = 2
	cfg.AcquireTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	db, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Run(context.Background(), testSchema)
	require.NoError(t, err)
	return db
}

func waitForWaiters(t *testing.T, db *Database, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return db.Stats().Pool.Waiting == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDatabase_CRUD(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	id, err := db.Insert(ctx, "venues", map[string]interface{}{"name": "The Drowned Rat", "reputation": 3})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	row, ok, err := db.GetByID(ctx, "venues", id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "The Drowned Rat", row["name"])
	assert.Equal(t, int64(3), row["reputation"])

	changed, err := db.Update(ctx, "venues", id, map[string]interface{}{"reputation": 5})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = db.Update(ctx, "venues", 404, map[string]interface{}{"reputation": 5})
	require.NoError(t, err)
	assert.False(t, changed)

	deleted, err := db.Delete(ctx, "venues", id)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = db.Delete(ctx, "venues", id)
	require.NoError(t, err)
	assert.False(t, deleted)

	row, ok, err = db.GetByID(ctx, "venues", id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, row)

	assert.Equal(t, 0, db.Stats().Pool.Active)
}

func TestDatabase_RunQueryGet(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	res, err := db.Run(ctx, "INSERT INTO venues (name) VALUES (?), (?)", "Alpha", "Beta")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowsAffected)
	assert.Equal(t, int64(2), res.LastInsertID)

	rows, err := db.Query(ctx, "SELECT name FROM venues ORDER BY name DESC")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Beta", rows[0]["name"])
	assert.Equal(t, "Alpha", rows[1]["name"])

	empty, err := db.Query(ctx, "SELECT name FROM venues WHERE name = ?", "Gamma")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	row, ok, err := db.Get(ctx, "SELECT COUNT(*) AS n FROM venues")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), row["n"])

	_, ok, err = db.Get(ctx, "SELECT * FROM venues WHERE id = ?", 99)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDatabase_FindCountUpsert(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	for _, name := range []string{"Alpha", "Beta", "Gamma"} {
		_, err := db.Insert(ctx, "venues", map[string]interface{}{"name": name, "reputation": len(name)})
		require.NoError(t, err)
	}

	found, err := db.Find(ctx, "venues", query.Gte("reputation", 5))
	require.NoError(t, err)
	assert.Len(t, found, 2)

	n, err := db.Count(ctx, "venues", query.Like("name", "%a"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = db.Count(ctx, "venues")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	page, err := db.List(ctx, "venues", 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "Beta", page[0]["name"])

	rest, err := db.List(ctx, "venues", 0, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "Gamma", rest[0]["name"])

	_, err = db.Upsert(ctx, "settings", map[string]interface{}{"key": "volume", "value": "3"}, "key")
	require.NoError(t, err)
	_, err = db.Upsert(ctx, "settings", map[string]interface{}{"key": "volume", "value": "9"}, "key")
	require.NoError(t, err)

	row, ok, err := db.Get(ctx, "SELECT value FROM settings WHERE key = ?", "volume")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "9", row["value"])

	_, err = db.Upsert(ctx, "settings", map[string]interface{}{"key": "volume"})
	assert.True(t, dberrors.HasCode(err, dberrors.ErrInvalidIdentifier))
}

func TestDatabase_Validation(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	_, err := db.Insert(ctx, "venues", nil)
	assert.True(t, dberrors.HasCode(err, dberrors.ErrEmptyData))

	_, err = db.Insert(ctx, "", map[string]interface{}{"name": "x"})
	assert.True(t, dberrors.HasCode(err, dberrors.ErrInvalidIdentifier))

	_, err = db.Update(ctx, "venues", 1, map[string]interface{}{"bad\x00col": 1})
	assert.True(t, dberrors.HasCode(err, dberrors.ErrInvalidIdentifier))

	_, err = db.Find(ctx, "venues", query.Eq("", 1))
	assert.True(t, dberrors.HasCode(err, dberrors.ErrInvalidIdentifier))

	// Only the schema statement reached the database.
	assert.Equal(t, int64(1), db.Stats().Queries.TotalQueries)
}

func TestDatabase_StatementFailureReleasesConnection(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	_, err := db.Query(ctx, "SELECT * FROM nope")
	require.Error(t, err)
	assert.True(t, dberrors.HasCode(err, dberrors.ErrStatementFailed))

	var dbErr *dberrors.DBError
	require.True(t, errors.As(err, &dbErr))
	assert.Equal(t, "SELECT * FROM nope", dbErr.Statement)

	stats := db.Stats()
	assert.Equal(t, 0, stats.Pool.Active)
	assert.Equal(t, int64(1), stats.Queries.Errors)
}

// Scenario A: a third concurrent call waits for one of two busy connections.
func TestDatabase_ConcurrentQueriesShareBoundedPool(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	first, err := db.Pool().Acquire(ctx, connection.NoTx)
	require.NoError(t, err)
	second, err := db.Pool().Acquire(ctx, connection.NoTx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := db.Query(ctx, "SELECT * FROM venues")
		done <- err
	}()
	waitForWaiters(t, db, 1)

	assert.Equal(t, connection.HandedToWaiter, db.Pool().Release(first, connection.NoTx))
	require.NoError(t, <-done)
	db.Pool().Release(second, connection.NoTx)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.Query(ctx, "SELECT * FROM venues")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stats := db.Stats().Pool
	assert.Equal(t, 0, stats.Active)
	assert.LessOrEqual(t, stats.Idle, 2)
}

// Scenario B: statements in a transaction share one connection and commit together.
func TestDatabase_TransactionCommit(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	id, err := db.BeginTransaction(ctx)
	require.NoError(t, err)
	tx := db.WithTx(id)
	assert.Equal(t, id, tx.TxID())

	venueID, err := tx.Insert(ctx, "venues", map[string]interface{}{"name": "The Gilded Tap"})
	require.NoError(t, err)
	staffID, err := tx.Insert(ctx, "staff", map[string]interface{}{"venue_id": venueID, "name": "Rosa", "wage": 11.5})
	require.NoError(t, err)

	// Visible inside the transaction, not outside it yet.
	_, ok, err := tx.GetByID(ctx, "staff", staffID)
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = db.GetByID(ctx, "staff", staffID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.CommitTransaction(ctx, id))

	row, ok, err := db.GetByID(ctx, "staff", staffID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Rosa", row["name"])
	assert.Equal(t, venueID, row["venue_id"])

	stats := db.Stats().Pool
	assert.Equal(t, 0, stats.Transactions)
	assert.Equal(t, 0, stats.Active)
}

// Scenario C: a failing statement inside a transaction followed by rollback.
func TestDatabase_TransactionRollbackAfterFailure(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	id, err := db.BeginTransaction(ctx)
	require.NoError(t, err)
	tx := db.WithTx(id)

	venueID, err := tx.Insert(ctx, "venues", map[string]interface{}{"name": "Short Lived"})
	require.NoError(t, err)

	_, err = tx.Insert(ctx, "staff", map[string]interface{}{"venue_id": 999, "name": "Ghost"})
	require.Error(t, err)
	assert.True(t, dberrors.HasCode(err, dberrors.ErrStatementFailed))

	require.NoError(t, db.RollbackTransaction(ctx, id))

	_, ok, err := db.GetByID(ctx, "venues", venueID)
	require.NoError(t, err)
	assert.False(t, ok)

	stats := db.Stats().Pool
	assert.Equal(t, 0, stats.Transactions)
	assert.Equal(t, 0, stats.Active)
}

// Scenario D: an unknown transaction id is rejected without touching the pool.
func TestDatabase_UnknownTransaction(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	_, err := connection.ParseTxID("not-a-real-id")
	require.Error(t, err)

	before := db.Stats().Pool
	err = db.CommitTransaction(ctx, connection.TxID(uuid.New()))
	assert.True(t, dberrors.HasCode(err, dberrors.ErrInvalidTransaction))

	_, err = db.WithTx(connection.TxID(uuid.New())).Insert(ctx, "venues", map[string]interface{}{"name": "x"})
	assert.True(t, dberrors.HasCode(err, dberrors.ErrInvalidTransaction))

	assert.Equal(t, before, db.Stats().Pool)
}

// Scenario E: with one connection, a plain query waits until the open transaction ends.
func TestDatabase_PlainQueryWaitsForTransaction(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, func(c *Config) { c.MaxConnections = 1 })

	id, err := db.BeginTransaction(ctx)
	require.NoError(t, err)
	_, err = db.WithTx(id).Insert(ctx, "venues", map[string]interface{}{"name": "Queued"})
	require.NoError(t, err)

	done := make(chan query.Results, 1)
	go func() {
		rows, err := db.Query(ctx, "SELECT name FROM venues")
		if assert.NoError(t, err) {
			done <- rows
		}
	}()
	waitForWaiters(t, db, 1)

	select {
	case <-done:
		t.Fatal("query ran on the connection pinned to the transaction")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, db.CommitTransaction(ctx, id))

	rows := <-done
	require.Len(t, rows, 1)
	assert.Equal(t, "Queued", rows[0]["name"])
}

func TestDatabase_FinishedTransactionRejected(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	id, err := db.BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, db.RollbackTransaction(ctx, id))

	before := db.Stats().Pool
	assert.True(t, dberrors.HasCode(db.CommitTransaction(ctx, id), dberrors.ErrInvalidTransaction))
	assert.True(t, dberrors.HasCode(db.RollbackTransaction(ctx, id), dberrors.ErrInvalidTransaction))
	_, err = db.WithTx(id).Query(ctx, "SELECT 1")
	assert.True(t, dberrors.HasCode(err, dberrors.ErrInvalidTransaction))
	assert.Equal(t, before, db.Stats().Pool)
}

func TestDatabase_TransactionHelper(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	err := db.Transaction(ctx, func(tx *Scope) error {
		_, err := tx.Insert(ctx, "venues", map[string]interface{}{"name": "Kept"})
		return err
	})
	require.NoError(t, err)

	errBody := errors.New("customer walked out")
	err = db.Transaction(ctx, func(tx *Scope) error {
		if _, err := tx.Insert(ctx, "venues", map[string]interface{}{"name": "Dropped"}); err != nil {
			return err
		}
		return errBody
	})
	assert.ErrorIs(t, err, errBody)

	assert.Panics(t, func() {
		_ = db.Transaction(ctx, func(tx *Scope) error {
			_, _ = tx.Insert(ctx, "venues", map[string]interface{}{"name": "Panicked"})
			panic("boom")
		})
	})

	rows, err := db.Find(ctx, "venues")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Kept", rows[0]["name"])
	assert.Equal(t, 0, db.Stats().Pool.Transactions)
}

func TestDatabase_Introspection(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	tables, err := db.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"settings", "staff", "venues"}, tables)

	cols, err := db.Columns(ctx, "staff")
	require.NoError(t, err)
	require.Len(t, cols, 4)
	assert.Equal(t, "id", cols[0].Name)
	assert.True(t, cols[0].IsPrimaryKey)
	assert.Equal(t, "venue_id", cols[1].Name)
	assert.False(t, cols[1].Nullable)

	cols, err = db.Columns(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, cols)
}

func TestDatabase_CloseAndReopen(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	_, err := db.Insert(ctx, "venues", map[string]interface{}{"name": "Persisted"})
	require.NoError(t, err)

	id, err := db.BeginTransaction(ctx)
	require.NoError(t, err)

	require.NoError(t, db.Close())
	_, err = db.Query(ctx, "SELECT 1")
	assert.True(t, dberrors.HasCode(err, dberrors.ErrPoolClosed))
	assert.True(t, dberrors.HasCode(db.CommitTransaction(ctx, id), dberrors.ErrInvalidTransaction))

	require.NoError(t, db.Initialize(ctx, 1))
	n, err := db.Count(ctx, "venues")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestOpen_ConnectionFailure(t *testing.T) {
	cfg := DefaultConfig("unused.db")
	cfg.Dialer = func(ctx context.Context) (*sqlx.Conn, error) {
		return nil, errors.New("no disk")
	}

	_, err := Open(context.Background(), cfg)
	assert.True(t, dberrors.HasCode(err, dberrors.ErrConnectionFailed))
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Skipf("no user config dir: %v", err)
	}
	assert.Equal(t, "savegame.db", filepath.Base(path))
	assert.Equal(t, "taproom", filepath.Base(filepath.Dir(path)))
}
