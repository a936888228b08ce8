package query

import (
	"fmt"
	"strings"

	"github.com/taproom/savedb/pkg/dialects"
)

// InsertBuilder builds INSERT queries.
type InsertBuilder struct {
	dialect    dialects.Dialect
	tableName  string
	data       map[string]interface{}
	onConflict *conflictClause
}

type conflictClause struct {
	columns   []string
	doNothing bool
	doUpdate  map[string]interface{}
}

// OnConflictDoNothing adds ON CONFLICT DO NOTHING clause.
func (i *InsertBuilder) OnConflictDoNothing(columns ...string) *InsertBuilder {
	i.onConflict = &conflictClause{
		columns:   columns,
		doNothing: true,
	}
	return i
}

// OnConflictDoUpdate adds ON CONFLICT DO UPDATE clause.
func (i *InsertBuilder) OnConflictDoUpdate(conflictColumns []string, updateData map[string]interface{}) *InsertBuilder {
	i.onConflict = &conflictClause{
		columns:  conflictColumns,
		doUpdate: updateData,
	}
	return i
}

// Columns returns the inserted column names in statement order.
func (i *InsertBuilder) Columns() []string {
	return sortedKeys(i.data)
}

// Build generates the SQL query and arguments.
func (i *InsertBuilder) Build() (string, []interface{}) {
	dialect := i.dialect
	columns := sortedKeys(i.data)
	args := make([]interface{}, 0, len(columns))
	argIndex := 1

	quotedCols := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for idx, col := range columns {
		quotedCols[idx] = dialect.Quote(col)
		placeholders[idx] = dialect.Placeholder(argIndex)
		args = append(args, i.data[col])
		argIndex++
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		dialect.Quote(i.tableName),
		strings.Join(quotedCols, ", "),
		strings.Join(placeholders, ", "))

	if i.onConflict != nil {
		conflictCols := make([]string, len(i.onConflict.columns))
		for idx, c := range i.onConflict.columns {
			conflictCols[idx] = dialect.Quote(c)
		}

		if i.onConflict.doNothing {
			sql += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(conflictCols, ", "))
		} else if len(i.onConflict.doUpdate) > 0 {
			updateCols := sortedKeys(i.onConflict.doUpdate)
			updates := make([]string, len(updateCols))
			for idx, col := range updateCols {
				updates[idx] = fmt.Sprintf("%s = %s", dialect.Quote(col), dialect.Placeholder(argIndex))
				args = append(args, i.onConflict.doUpdate[col])
				argIndex++
			}
			sql += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s",
				strings.Join(conflictCols, ", "),
				strings.Join(updates, ", "))
		}
	}

	return sql, args
}
