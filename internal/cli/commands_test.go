package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dberrors "github.com/taproom/savedb/pkg/errors"
)

func newProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, Init(dir))

	path := filepath.Join(dir, configFileName)
	var out bytes.Buffer
	require.NoError(t, Exec(context.Background(), path,
		`CREATE TABLE venues (id INTEGER PRIMARY KEY, name TEXT NOT NULL, capacity INTEGER)`, nil, &out))
	return path
}

func TestExecQueryGet(t *testing.T) {
	ctx := context.Background()
	cfg := newProject(t)

	var out bytes.Buffer
	require.NoError(t, Exec(ctx, cfg, "INSERT INTO venues (name, capacity) VALUES (?, ?)", []string{"Taproom", "40"}, &out))
	assert.Contains(t, out.String(), "1 row(s) affected, last insert id 1")

	out.Reset()
	require.NoError(t, Query(ctx, cfg, "SELECT name, capacity FROM venues WHERE capacity > ?", []string{"10"}, false, &out))
	assert.Contains(t, out.String(), "Taproom")
	assert.Contains(t, out.String(), "(1 row(s))")

	out.Reset()
	require.NoError(t, Query(ctx, cfg, "SELECT name FROM venues", nil, true, &out))
	assert.JSONEq(t, `[{"name":"Taproom"}]`, out.String())

	out.Reset()
	require.NoError(t, Get(ctx, cfg, "venues", "1", &out))
	assert.JSONEq(t, `{"id":1,"name":"Taproom","capacity":40}`, out.String())

	assert.Error(t, Get(ctx, cfg, "venues", "2", &out))
}

func TestQuery_SuggestsTable(t *testing.T) {
	cfg := newProject(t)

	var out bytes.Buffer
	err := Query(context.Background(), cfg, "SELECT * FROM venue", nil, false, &out)
	require.Error(t, err)

	var dbErr *dberrors.DBError
	require.True(t, errors.As(err, &dbErr))
	assert.Equal(t, dberrors.ErrStatementFailed, dbErr.Code)
	assert.Equal(t, "Did you mean 'venues'?", dbErr.Suggestion)
}

func TestStats(t *testing.T) {
	cfg := newProject(t)

	var out bytes.Buffer
	require.NoError(t, Stats(context.Background(), cfg, &out))
	assert.Contains(t, out.String(), `"tables": [`)
	assert.Contains(t, out.String(), `"venues"`)
	assert.Contains(t, out.String(), `"maxConnections": 5`)
}

func TestSeedCommands(t *testing.T) {
	ctx := context.Background()
	cfg := newProject(t)
	seedDir := filepath.Join(filepath.Dir(cfg), "seeds")

	var out bytes.Buffer
	require.NoError(t, SeedCreate(cfg, "starter", "", &out))
	assert.FileExists(t, filepath.Join(seedDir, "001_starter.sql"))
	require.NoError(t, SeedCreate(cfg, "more", "", &out))
	assert.FileExists(t, filepath.Join(seedDir, "002_more.sql"))

	require.NoError(t, os.WriteFile(filepath.Join(seedDir, "001_starter.sql"),
		[]byte("INSERT INTO venues (name, capacity) VALUES ('Cellar', 20);"), 0644))

	out.Reset()
	require.NoError(t, SeedRun(ctx, cfg, "", false, &out))
	assert.Contains(t, out.String(), "✓ Applied 2 seed(s)")

	out.Reset()
	require.NoError(t, SeedRun(ctx, cfg, "", false, &out))
	assert.Contains(t, out.String(), "No pending seeds.")

	out.Reset()
	require.NoError(t, SeedStatus(ctx, cfg, &out))
	assert.Contains(t, out.String(), "[✓] starter")
	assert.Contains(t, out.String(), "[✓] more")
}

func TestBackupRestore(t *testing.T) {
	ctx := context.Background()
	cfg := newProject(t)

	var out bytes.Buffer
	require.NoError(t, Exec(ctx, cfg, "INSERT INTO venues (name) VALUES ('Taproom')", nil, &out))

	backup := filepath.Join(t.TempDir(), "save.db.zst")
	require.NoError(t, Backup(ctx, cfg, backup, &out))
	assert.FileExists(t, backup)

	require.NoError(t, Exec(ctx, cfg, "DELETE FROM venues", nil, &out))

	require.NoError(t, Restore(cfg, backup, &out))

	out.Reset()
	require.NoError(t, Query(ctx, cfg, "SELECT name FROM venues", nil, true, &out))
	assert.JSONEq(t, `[{"name":"Taproom"}]`, out.String())
}

func TestParseArg(t *testing.T) {
	assert.Nil(t, parseArg("NULL"))
	assert.Equal(t, int64(42), parseArg("42"))
	assert.Equal(t, 1.5, parseArg("1.5"))
	assert.Equal(t, "Taproom", parseArg("Taproom"))
}

func TestIsRelevantEvent(t *testing.T) {
	assert.True(t, isRelevantEvent(fsnotify.Event{Name: "seeds/001_venues.sql", Op: fsnotify.Write}))
	assert.True(t, isRelevantEvent(fsnotify.Event{Name: "seeds/dev/002_rich.sql", Op: fsnotify.Create}))
	assert.False(t, isRelevantEvent(fsnotify.Event{Name: "seeds/001_venues.sql", Op: fsnotify.Chmod}))
	assert.False(t, isRelevantEvent(fsnotify.Event{Name: "seeds/notes.txt", Op: fsnotify.Write}))
}

func TestDevSession_WatchDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dev"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_a.sql"), []byte("SELECT 1;"), 0644))

	s := &devSession{dir: dir}
	assert.Equal(t, []string{dir, filepath.Join(dir, "dev")}, s.watchDirs())

	before := s.snapshotModTimes()
	assert.Len(t, before, 1)
	assert.True(t, sameModTimes(before, s.snapshotModTimes()))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "dev", "001_b.sql"), []byte("SELECT 2;"), 0644))
	assert.False(t, sameModTimes(before, s.snapshotModTimes()))
}

func TestDevSession_Sync(t *testing.T) {
	ctx := context.Background()
	cfg := newProject(t)
	_, db, err := openDatabase(ctx, cfg)
	require.NoError(t, err)
	defer db.Close()

	dir := filepath.Join(filepath.Dir(cfg), "seeds")
	seedFile := filepath.Join(dir, "001_venue.sql")
	require.NoError(t, os.WriteFile(seedFile, []byte("INSERT INTO venues (id, name) VALUES (1, 'Taproom') ON CONFLICT (id) DO UPDATE SET name = excluded.name;"), 0644))

	var out bytes.Buffer
	s := &devSession{db: db, dir: dir, out: &out}
	s.sync(ctx)
	assert.Contains(t, out.String(), "Applied 1 seed(s)")

	require.NoError(t, os.WriteFile(seedFile, []byte("INSERT INTO venues (id, name) VALUES (1, 'Cellar') ON CONFLICT (id) DO UPDATE SET name = excluded.name;"), 0644))
	s.sync(ctx)

	row, ok, err := db.GetByID(ctx, "venues", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Cellar", row["name"])
}
