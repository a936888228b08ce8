package query

import (
	"fmt"

	"github.com/taproom/savedb/pkg/dialects"
)

// DeleteBuilder builds DELETE queries.
type DeleteBuilder struct {
	dialect    dialects.Dialect
	tableName  string
	conditions []Condition
}

// Where adds a WHERE condition.
func (d *DeleteBuilder) Where(conditions ...Condition) *DeleteBuilder {
	d.conditions = append(d.conditions, conditions...)
	return d
}

// Build generates the SQL query and arguments.
func (d *DeleteBuilder) Build() (string, []interface{}) {
	sql := fmt.Sprintf("DELETE FROM %s", d.dialect.Quote(d.tableName))

	whereSQL, args := buildWhere(d.dialect, d.conditions, 1)
	if whereSQL != "" {
		sql += " " + whereSQL
	}

	return sql, args
}
