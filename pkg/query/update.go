package query

import (
	"fmt"
	"strings"

	"github.com/taproom/savedb/pkg/dialects"
)

// UpdateBuilder builds UPDATE queries.
type UpdateBuilder struct {
	dialect    dialects.Dialect
	tableName  string
	data       map[string]interface{}
	conditions []Condition
}

// Where adds a WHERE condition.
func (u *UpdateBuilder) Where(conditions ...Condition) *UpdateBuilder {
	u.conditions = append(u.conditions, conditions...)
	return u
}

// Set adds or updates a column value.
func (u *UpdateBuilder) Set(column string, value interface{}) *UpdateBuilder {
	if u.data == nil {
		u.data = make(map[string]interface{})
	}
	u.data[column] = value
	return u
}

// Build generates the SQL query and arguments.
func (u *UpdateBuilder) Build() (string, []interface{}) {
	dialect := u.dialect
	var args []interface{}
	argIndex := 1

	columns := sortedKeys(u.data)
	sets := make([]string, len(columns))
	for idx, col := range columns {
		sets[idx] = fmt.Sprintf("%s = %s", dialect.Quote(col), dialect.Placeholder(argIndex))
		args = append(args, u.data[col])
		argIndex++
	}

	sql := fmt.Sprintf("UPDATE %s SET %s",
		dialect.Quote(u.tableName),
		strings.Join(sets, ", "))

	if len(u.conditions) > 0 {
		whereSQL, whereArgs := buildWhere(dialect, u.conditions, argIndex)
		sql += " " + whereSQL
		args = append(args, whereArgs...)
	}

	return sql, args
}
