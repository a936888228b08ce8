package database

import (
	"context"
	"fmt"

	"github.com/taproom/savedb/pkg/dialects/sqlite"
)

// Tables lists user tables in name order.
func (s *Scope) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.Query(ctx, s.db.dialect.TablesQuery())
	if err != nil {
		return nil, err
	}

	tables := make([]string, 0, len(rows))
	for _, row := range rows {
		tables = append(tables, fmt.Sprint(row["name"]))
	}
	return tables, nil
}

// Columns describes the columns of table. An unknown table has no columns.
func (s *Scope) Columns(ctx context.Context, table string) ([]sqlite.ColumnInfo, error) {
	if err := validateIdentifiers(table); err != nil {
		return nil, err
	}

	rows, err := s.Query(ctx, s.db.dialect.ColumnsQuery(), table)
	if err != nil {
		return nil, err
	}

	columns := make([]sqlite.ColumnInfo, 0, len(rows))
	for _, row := range rows {
		columns = append(columns, s.db.dialect.ColumnFromRow(row))
	}
	return columns, nil
}
