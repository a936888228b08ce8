package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/taproom/savedb/pkg/database"
	dberrors "github.com/taproom/savedb/pkg/errors"
	"github.com/taproom/savedb/pkg/query"
)

var noSuchTable = regexp.MustCompile(`no such table: (\S+)`)

// openDatabase loads the config at configPath and opens its database.
func openDatabase(ctx context.Context, configPath string) (*Config, *database.Database, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	logger, err := NewLogger(config.Logging, os.Stderr)
	if err != nil {
		return nil, nil, err
	}

	db, err := database.Open(ctx, config.DatabaseConfig(logger))
	if err != nil {
		return nil, nil, err
	}
	return config, db, nil
}

// Exec runs a statement that returns no rows.
func Exec(ctx context.Context, configPath, statement string, args []string, out io.Writer) error {
	_, db, err := openDatabase(ctx, configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := db.Run(ctx, statement, parseArgs(args)...)
	if err != nil {
		return explain(ctx, db, err)
	}

	fmt.Fprintf(out, "✓ %d row(s) affected", res.RowsAffected)
	if res.LastInsertID != 0 {
		fmt.Fprintf(out, ", last insert id %d", res.LastInsertID)
	}
	fmt.Fprintln(out)
	return nil
}

// Query runs a statement and prints its rows as a table or as JSON.
func Query(ctx context.Context, configPath, statement string, args []string, asJSON bool, out io.Writer) error {
	_, db, err := openDatabase(ctx, configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(ctx, statement, parseArgs(args)...)
	if err != nil {
		return explain(ctx, db, err)
	}

	if asJSON {
		return writeJSON(out, rows)
	}
	printRows(out, rows)
	return nil
}

// Get prints one row of table by primary key as JSON.
func Get(ctx context.Context, configPath, table, id string, out io.Writer) error {
	_, db, err := openDatabase(ctx, configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	row, ok, err := db.GetByID(ctx, table, parseArg(id))
	if err != nil {
		return explain(ctx, db, err)
	}
	if !ok {
		return fmt.Errorf("%s: no row with id %s", table, id)
	}
	return writeJSON(out, row)
}

// Stats prints pool and query statistics after a health-check query.
func Stats(ctx context.Context, configPath string, out io.Writer) error {
	_, db, err := openDatabase(ctx, configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, _, err := db.Get(ctx, "SELECT 1"); err != nil {
		return err
	}

	tables, err := db.Tables(ctx)
	if err != nil {
		return err
	}

	return writeJSON(out, struct {
		Path   string         `json:"path"`
		Tables []string       `json:"tables"`
		Stats  database.Stats `json:"stats"`
	}{db.Path(), tables, db.Stats()})
}

// explain adds a table-name suggestion to "no such table" failures.
func explain(ctx context.Context, db *database.Database, err error) error {
	m := noSuchTable.FindStringSubmatch(err.Error())
	if m == nil {
		return err
	}

	tables, terr := db.Tables(ctx)
	if terr != nil {
		return err
	}
	suggestion := dberrors.SuggestSimilar(m[1], tables)
	if suggestion == "" {
		return err
	}

	var dbErr *dberrors.DBError
	if !errors.As(err, &dbErr) {
		dbErr = dberrors.Wrap(dberrors.ErrStatementFailed, "statement failed", err)
	}
	return dbErr.WithSuggestion(suggestion)
}

// parseArgs converts command line arguments into statement arguments.
func parseArgs(args []string) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = parseArg(a)
	}
	return out
}

// parseArg maps "null" to NULL and numeric text to numbers.
func parseArg(s string) interface{} {
	if strings.EqualFold(s, "null") {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printRows writes rows as an aligned table with sorted column headers.
func printRows(out io.Writer, rows query.Results) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "(no rows)")
		return
	}

	columns := make([]string, 0, len(rows[0]))
	for col := range rows[0] {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(columns, "\t"))
	for _, row := range rows {
		cells := make([]string, len(columns))
		for i, col := range columns {
			cells[i] = formatValue(row[col])
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	tw.Flush()

	fmt.Fprintf(out, "(%d row(s))\n", len(rows))
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}
