package query

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taproom/savedb/pkg/dialects/sqlite"
)

func TestInsertBuilder_Build(t *testing.T) {
	b := New(sqlite.New(), "staff")

	sql, args := b.Insert(map[string]interface{}{"wage": 12.5, "name": "Rosa", "venue_id": 1}).Build()
	assert.Equal(t, `INSERT INTO "staff" ("name", "venue_id", "wage") VALUES (?, ?, ?)`, sql)
	assert.Equal(t, []interface{}{"Rosa", 1, 12.5}, args)
}

func TestInsertBuilder_OnConflict(t *testing.T) {
	b := New(sqlite.New(), "settings")

	sql, args := b.Insert(map[string]interface{}{"key": "volume", "value": "7"}).
		OnConflictDoUpdate([]string{"key"}, map[string]interface{}{"value": "7"}).
		Build()
	assert.Equal(t, `INSERT INTO "settings" ("key", "value") VALUES (?, ?) ON CONFLICT ("key") DO UPDATE SET "value" = ?`, sql)
	assert.Len(t, args, 3)

	sql, _ = b.Insert(map[string]interface{}{"key": "volume"}).OnConflictDoNothing("key").Build()
	assert.Equal(t, `INSERT INTO "settings" ("key") VALUES (?) ON CONFLICT ("key") DO NOTHING`, sql)
}

func TestUpdateBuilder_Build(t *testing.T) {
	b := New(sqlite.New(), "inventory")

	sql, args := b.Update(map[string]interface{}{"quantity": 4}).Set("price", 3).Where(Eq("id", 9)).Build()
	assert.Equal(t, `UPDATE "inventory" SET "price" = ?, "quantity" = ? WHERE "id" = ?`, sql)
	assert.Equal(t, []interface{}{3, 4, 9}, args)
}

func TestDeleteBuilder_Build(t *testing.T) {
	b := New(sqlite.New(), "customers")

	sql, args := b.Delete().Where(Eq("id", 3)).Build()
	assert.Equal(t, `DELETE FROM "customers" WHERE "id" = ?`, sql)
	assert.Equal(t, []interface{}{3}, args)

	sql, args = b.Delete().Build()
	assert.Equal(t, `DELETE FROM "customers"`, sql)
	assert.Empty(t, args)
}

func TestSelectBuilder_Build(t *testing.T) {
	b := New(sqlite.New(), "staff")

	sql, args := b.Select("id", "name").
		Where(Gte("wage", 10), In("role", "bartender", "chef"), IsNotNull("hired_at")).
		OrderBy("name", Asc).
		OrderBy("id", Desc).
		Limit(5).
		Offset(10).
		Build()
	assert.Equal(t, `SELECT "id", "name" FROM "staff" WHERE "wage" >= ? AND "role" IN (?, ?) AND "hired_at" IS NOT NULL ORDER BY "name" ASC, "id" DESC LIMIT 5 OFFSET 10`, sql)
	assert.Equal(t, []interface{}{10, "bartender", "chef"}, args)
}

func TestSelectBuilder_OffsetWithoutLimit(t *testing.T) {
	sql, _ := New(sqlite.New(), "staff").Select().Offset(2).Build()
	assert.Equal(t, `SELECT * FROM "staff" LIMIT -1 OFFSET 2`, sql)
}

func TestSelectBuilder_EmptyIn(t *testing.T) {
	sql, args := New(sqlite.New(), "staff").Select().Where(In("id")).Build()
	assert.Equal(t, `SELECT * FROM "staff" WHERE 1 = 0`, sql)
	assert.Empty(t, args)
}

func TestSelectBuilder_BuildCount(t *testing.T) {
	sql, args := New(sqlite.New(), "venues").Select().Where(Like("name", "The %")).BuildCount()
	assert.Equal(t, `SELECT COUNT(*) AS count FROM "venues" WHERE "name" LIKE ?`, sql)
	assert.Equal(t, []interface{}{"The %"}, args)
}

func TestColumns(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Columns([]Condition{Eq("a", 1), IsNull("b")}))
}

func TestQueryLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ql := NewQueryLogger(logger)
	ql.SetSlowQueryThreshold(10 * time.Millisecond)

	ql.LogQuery(context.Background(), "SELECT 1", nil, time.Millisecond, nil)
	assert.Contains(t, buf.String(), "query executed")

	buf.Reset()
	ql.LogQuery(context.Background(), "SELECT 1", nil, time.Second, nil)
	assert.Contains(t, buf.String(), "slow query")

	buf.Reset()
	ql.SetMask(true)
	ql.LogQuery(context.Background(), "SELECT ?", []interface{}{"secret"}, time.Millisecond, errors.New("boom"))
	out := buf.String()
	assert.Contains(t, out, "query failed")
	assert.Contains(t, out, "[MASKED]")
	assert.NotContains(t, out, "secret")
}

func TestStatsCollector(t *testing.T) {
	sc := NewStatsCollector(50 * time.Millisecond)
	require.Zero(t, sc.AverageQueryTime())

	sc.Record("SELECT 1", 10*time.Millisecond, nil)
	sc.Record("SELECT 2", 100*time.Millisecond, errors.New("fail"))

	stats := sc.Stats()
	assert.Equal(t, int64(2), stats.TotalQueries)
	assert.Equal(t, int64(1), stats.SlowQueries)
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, "SELECT 2", stats.LastQuery)
	assert.Equal(t, 55*time.Millisecond, sc.AverageQueryTime())

	sc.Reset()
	assert.Zero(t, sc.Stats().TotalQueries)
}
