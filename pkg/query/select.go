package query

import (
	"fmt"
	"strings"

	"github.com/taproom/savedb/pkg/dialects"
)

// SelectBuilder builds SELECT queries.
type SelectBuilder struct {
	dialect    dialects.Dialect
	tableName  string
	columns    []string
	conditions []Condition
	orders     []OrderBy
	limit      int
	offset     int
}

// Where adds a WHERE condition.
func (s *SelectBuilder) Where(conditions ...Condition) *SelectBuilder {
	s.conditions = append(s.conditions, conditions...)
	return s
}

// OrderBy adds an ORDER BY clause.
func (s *SelectBuilder) OrderBy(column string, direction OrderDirection) *SelectBuilder {
	s.orders = append(s.orders, OrderBy{Column: column, Direction: direction})
	return s
}

// Limit sets the LIMIT clause.
func (s *SelectBuilder) Limit(n int) *SelectBuilder {
	s.limit = n
	return s
}

// Offset sets the OFFSET clause.
func (s *SelectBuilder) Offset(n int) *SelectBuilder {
	s.offset = n
	return s
}

// Build generates the SQL query and arguments.
func (s *SelectBuilder) Build() (string, []interface{}) {
	dialect := s.dialect

	cols := "*"
	if len(s.columns) > 0 {
		quotedCols := make([]string, len(s.columns))
		for i, c := range s.columns {
			if c == "*" {
				quotedCols[i] = c
			} else {
				quotedCols[i] = dialect.Quote(c)
			}
		}
		cols = strings.Join(quotedCols, ", ")
	}

	sql := fmt.Sprintf("SELECT %s FROM %s", cols, dialect.Quote(s.tableName))

	whereSQL, args := buildWhere(dialect, s.conditions, 1)
	if whereSQL != "" {
		sql += " " + whereSQL
	}

	if len(s.orders) > 0 {
		orderParts := make([]string, len(s.orders))
		for i, o := range s.orders {
			orderParts[i] = fmt.Sprintf("%s %s", dialect.Quote(o.Column), o.Direction.String())
		}
		sql += " ORDER BY " + strings.Join(orderParts, ", ")
	}

	if s.limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", s.limit)
	}

	if s.offset > 0 {
		if s.limit <= 0 {
			// SQLite only accepts OFFSET after LIMIT
			sql += " LIMIT -1"
		}
		sql += fmt.Sprintf(" OFFSET %d", s.offset)
	}

	return sql, args
}

// BuildCount generates a COUNT(*) query over the same conditions.
func (s *SelectBuilder) BuildCount() (string, []interface{}) {
	sql := fmt.Sprintf("SELECT COUNT(*) AS count FROM %s", s.dialect.Quote(s.tableName))

	whereSQL, args := buildWhere(s.dialect, s.conditions, 1)
	if whereSQL != "" {
		sql += " " + whereSQL
	}

	return sql, args
}
