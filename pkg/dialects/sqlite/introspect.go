package sqlite

import (
	"fmt"
	"strings"
)

// ColumnInfo describes one column of a table.
type ColumnInfo struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Nullable     bool   `json:"nullable"`
	IsPrimaryKey bool   `json:"primaryKey"`
	AutoInc      bool   `json:"autoIncrement"`
	Default      string `json:"default,omitempty"`
}

// TablesQuery lists user tables, skipping SQLite internals and savedb bookkeeping.
func (d *Dialect) TablesQuery() string {
	return `SELECT name FROM sqlite_master
		WHERE type = 'table'
		AND name NOT LIKE 'sqlite_%'
		AND name NOT LIKE '\_savedb\_%' ESCAPE '\'
		ORDER BY name`
}

// ColumnsQuery returns column metadata for the table bound as its only argument.
func (d *Dialect) ColumnsQuery() string {
	return `SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`
}

// ColumnFromRow converts one ColumnsQuery row.
func (d *Dialect) ColumnFromRow(row map[string]interface{}) ColumnInfo {
	col := ColumnInfo{
		Name:         toString(row["name"]),
		Type:         toString(row["type"]),
		Nullable:     toInt(row["notnull"]) == 0,
		IsPrimaryKey: toInt(row["pk"]) > 0,
		Default:      toString(row["dflt_value"]),
	}

	// INTEGER PRIMARY KEY aliases the rowid
	if col.IsPrimaryKey && strings.EqualFold(col.Type, "INTEGER") {
		col.AutoInc = true
	}
	return col
}

func toString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func toInt(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case bool:
		if val {
			return 1
		}
	}
	return 0
}
