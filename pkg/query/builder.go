// Package query provides a fluent statement builder for the CRUD facade.
package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/taproom/savedb/pkg/dialects"
)

// Builder is the main query builder.
type Builder struct {
	dialect   dialects.Dialect
	tableName string
}

// New creates a new query builder for the given table.
func New(dialect dialects.Dialect, tableName string) *Builder {
	return &Builder{
		dialect:   dialect,
		tableName: tableName,
	}
}

// Select creates a SELECT query builder.
func (b *Builder) Select(columns ...string) *SelectBuilder {
	return &SelectBuilder{
		dialect:   b.dialect,
		tableName: b.tableName,
		columns:   columns,
	}
}

// Insert creates an INSERT query builder.
func (b *Builder) Insert(data map[string]interface{}) *InsertBuilder {
	return &InsertBuilder{
		dialect:   b.dialect,
		tableName: b.tableName,
		data:      data,
	}
}

// Update creates an UPDATE query builder.
func (b *Builder) Update(data map[string]interface{}) *UpdateBuilder {
	return &UpdateBuilder{
		dialect:   b.dialect,
		tableName: b.tableName,
		data:      data,
	}
}

// Delete creates a DELETE query builder.
func (b *Builder) Delete() *DeleteBuilder {
	return &DeleteBuilder{
		dialect:   b.dialect,
		tableName: b.tableName,
	}
}

// Condition represents a WHERE condition.
type Condition struct {
	Column   string
	Operator string
	Value    interface{}
}

// Eq creates an equality condition.
func Eq(column string, value interface{}) Condition {
	return Condition{Column: column, Operator: "=", Value: value}
}

// Neq creates a not-equal condition.
func Neq(column string, value interface{}) Condition {
	return Condition{Column: column, Operator: "!=", Value: value}
}

// Gt creates a greater-than condition.
func Gt(column string, value interface{}) Condition {
	return Condition{Column: column, Operator: ">", Value: value}
}

// Gte creates a greater-than-or-equal condition.
func Gte(column string, value interface{}) Condition {
	return Condition{Column: column, Operator: ">=", Value: value}
}

// Lt creates a less-than condition.
func Lt(column string, value interface{}) Condition {
	return Condition{Column: column, Operator: "<", Value: value}
}

// Lte creates a less-than-or-equal condition.
func Lte(column string, value interface{}) Condition {
	return Condition{Column: column, Operator: "<=", Value: value}
}

// Like creates a LIKE condition.
func Like(column string, pattern string) Condition {
	return Condition{Column: column, Operator: "LIKE", Value: pattern}
}

// In creates an IN condition.
func In(column string, values ...interface{}) Condition {
	return Condition{Column: column, Operator: "IN", Value: values}
}

// IsNull creates an IS NULL condition.
func IsNull(column string) Condition {
	return Condition{Column: column, Operator: "IS NULL", Value: nil}
}

// IsNotNull creates an IS NOT NULL condition.
func IsNotNull(column string) Condition {
	return Condition{Column: column, Operator: "IS NOT NULL", Value: nil}
}

// OrderDirection represents sort direction.
type OrderDirection int

const (
	Asc OrderDirection = iota
	Desc
)

// String returns the SQL representation.
func (d OrderDirection) String() string {
	if d == Desc {
		return "DESC"
	}
	return "ASC"
}

// OrderBy represents an ORDER BY clause item.
type OrderBy struct {
	Column    string
	Direction OrderDirection
}

// Columns returns every column name referenced by the conditions.
func Columns(conditions []Condition) []string {
	cols := make([]string, 0, len(conditions))
	for _, c := range conditions {
		cols = append(cols, c.Column)
	}
	return cols
}

// sortedKeys returns map keys in a stable order so identical shapes produce identical SQL.
func sortedKeys(data map[string]interface{}) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// buildWhere builds the WHERE clause and returns SQL fragment and args.
func buildWhere(dialect dialects.Dialect, conditions []Condition, startIndex int) (string, []interface{}) {
	if len(conditions) == 0 {
		return "", nil
	}

	var parts []string
	var args []interface{}
	argIndex := startIndex

	for _, cond := range conditions {
		quotedCol := dialect.Quote(cond.Column)

		switch cond.Operator {
		case "IS NULL", "IS NOT NULL":
			parts = append(parts, fmt.Sprintf("%s %s", quotedCol, cond.Operator))
		case "IN":
			values, _ := cond.Value.([]interface{})
			if len(values) == 0 {
				// IN () is a syntax error; an empty set matches nothing
				parts = append(parts, "1 = 0")
				continue
			}
			placeholders := make([]string, len(values))
			for i, v := range values {
				placeholders[i] = dialect.Placeholder(argIndex)
				args = append(args, v)
				argIndex++
			}
			parts = append(parts, fmt.Sprintf("%s IN (%s)", quotedCol, strings.Join(placeholders, ", ")))
		default:
			parts = append(parts, fmt.Sprintf("%s %s %s", quotedCol, cond.Operator, dialect.Placeholder(argIndex)))
			args = append(args, cond.Value)
			argIndex++
		}
	}

	return "WHERE " + strings.Join(parts, " AND "), args
}

// Result represents a query result row.
type Result map[string]interface{}

// Results represents multiple query result rows.
type Results []Result

// ScanRows drains rows into Results. An empty result set yields an empty, non-nil slice.
func ScanRows(rows *sqlx.Rows) (Results, error) {
	results := Results{}
	for rows.Next() {
		row := make(map[string]interface{})
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		results = append(results, Result(row))
	}
	return results, rows.Err()
}

// ScanOne reads the first row, if any, and stops.
func ScanOne(rows *sqlx.Rows) (Result, bool, error) {
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	row := make(map[string]interface{})
	if err := rows.MapScan(row); err != nil {
		return nil, false, err
	}
	return Result(row), true, nil
}
