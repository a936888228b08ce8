// Package seed applies ordered SQL seed files to the save database, each in
// its own transaction, and records what has been applied.
package seed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/taproom/savedb/pkg/database"
	"github.com/taproom/savedb/pkg/query"
)

// HistoryTable records applied seeds.
const HistoryTable = "_savedb_seeds"

var (
	orderPrefix = regexp.MustCompile(`^(\d+)_(.+)$`)
	headerDesc  = regexp.MustCompile(`(?m)^--\s*description:\s*(.+)$`)
)

// Seed represents a single seed file.
type Seed struct {
	Name        string // Seed name (from filename)
	Description string // Optional "-- description:" header
	SQL         string
	Order       int    // Execution order (from filename prefix)
	Env         string // Environment subdirectory, empty for all
	Checksum    string // SHA256 of SQL
	Path        string
}

func (s *Seed) key() string {
	return s.Name + ":" + s.Env
}

// History is one applied seed stored in the database.
type History struct {
	ID        int64
	Name      string
	Env       string
	Checksum  string
	AppliedAt time.Time
}

// Status represents the status of a seed.
type Status struct {
	Name      string    `json:"name"`
	Env       string    `json:"env,omitempty"`
	Applied   bool      `json:"applied"`
	Changed   bool      `json:"changed"` // applied, but the file differs since
	AppliedAt time.Time `json:"appliedAt,omitzero"`
}

// Engine manages seed operations.
type Engine struct {
	db    *database.Database
	seeds []*Seed
}

// NewEngine creates a new seed engine.
func NewEngine(db *database.Database) *Engine {
	return &Engine{db: db}
}

// Init creates the seeds tracking table if it doesn't exist.
func (e *Engine) Init(ctx context.Context) error {
	_, err := e.db.Run(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		env TEXT NOT NULL DEFAULT '',
		checksum TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(name, env)
	)`, HistoryTable))
	return err
}

// LoadFromDir loads seeds from a directory, replacing any loaded before.
// Directory structure:
//
//	seeds/
//	├── 001_venues.sql      (runs for all environments)
//	├── 002_inventory.sql
//	└── dev/
//	    └── 001_rich_start.sql
func (e *Engine) LoadFromDir(dir string) error {
	e.seeds = nil

	if err := e.loadSeedsFromPath(dir, ""); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if err := e.loadSeedsFromPath(filepath.Join(dir, entry.Name()), entry.Name()); err != nil {
			return err
		}
	}

	sort.SliceStable(e.seeds, func(i, j int) bool {
		if e.seeds[i].Env != e.seeds[j].Env {
			return e.seeds[i].Env == "" // shared seeds first
		}
		if e.seeds[i].Order != e.seeds[j].Order {
			return e.seeds[i].Order < e.seeds[j].Order
		}
		return e.seeds[i].Name < e.seeds[j].Name
	})

	return nil
}

func (e *Engine) loadSeedsFromPath(dir, env string) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}

		path := filepath.Join(dir, f.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		seed := parseSeedFile(f.Name(), string(content), env)
		seed.Path = path
		e.seeds = append(e.seeds, seed)
	}

	return nil
}

// parseSeedFile parses a seed file named 001_seed_name.sql or seed_name.sql.
func parseSeedFile(filename, content, env string) *Seed {
	name := strings.TrimSuffix(filename, ".sql")
	order := 0

	if matches := orderPrefix.FindStringSubmatch(name); len(matches) == 3 {
		order, _ = strconv.Atoi(matches[1])
		name = matches[2]
	}

	description := ""
	if matches := headerDesc.FindStringSubmatch(content); len(matches) == 2 {
		description = strings.TrimSpace(matches[1])
	}

	hash := sha256.Sum256([]byte(content))

	return &Seed{
		Name:        name,
		Description: description,
		SQL:         content,
		Order:       order,
		Env:         env,
		Checksum:    hex.EncodeToString(hash[:]),
	}
}

// shouldRunSeed determines if a seed should run for the given environment.
// "*" selects every seed; otherwise shared seeds plus those of env run.
func shouldRunSeed(seed *Seed, env string) bool {
	if env == "*" || seed.Env == "" {
		return true
	}
	return seed.Env == env
}

// Run applies pending seeds for env and returns how many were applied.
func (e *Engine) Run(ctx context.Context, env string) (int, error) {
	return e.run(ctx, env, false)
}

// Sync applies pending seeds and re-applies seeds whose file changed since
// they were applied.
func (e *Engine) Sync(ctx context.Context, env string) (int, error) {
	return e.run(ctx, env, true)
}

func (e *Engine) run(ctx context.Context, env string, reapplyChanged bool) (int, error) {
	applied, err := e.appliedByKey(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, seed := range e.seeds {
		if !shouldRunSeed(seed, env) {
			continue
		}
		if h, ok := applied[seed.key()]; ok {
			if !reapplyChanged || h.Checksum == seed.Checksum {
				continue
			}
		}

		if err := e.Apply(ctx, seed); err != nil {
			return count, fmt.Errorf("applying seed %s: %w", seed.Name, err)
		}
		count++
	}

	return count, nil
}

// Apply runs one seed and records it in a single transaction.
func (e *Engine) Apply(ctx context.Context, seed *Seed) error {
	return e.db.Transaction(ctx, func(tx *database.Scope) error {
		if _, err := tx.Run(ctx, seed.SQL); err != nil {
			return err
		}
		_, err := tx.Run(ctx, fmt.Sprintf(
			`INSERT INTO %q (name, env, checksum) VALUES (?, ?, ?)
			ON CONFLICT (name, env) DO UPDATE SET checksum = excluded.checksum, applied_at = CURRENT_TIMESTAMP`,
			HistoryTable), seed.Name, seed.Env, seed.Checksum)
		return err
	})
}

// Reset clears seed history for env and re-runs its seeds.
func (e *Engine) Reset(ctx context.Context, env string) (int, error) {
	var err error
	if env == "*" || env == "" {
		_, err = e.db.Run(ctx, fmt.Sprintf("DELETE FROM %q", HistoryTable))
	} else {
		_, err = e.db.Run(ctx, fmt.Sprintf("DELETE FROM %q WHERE env = ? OR env = ''", HistoryTable), env)
	}
	if err != nil {
		return 0, err
	}

	return e.Run(ctx, env)
}

// Status returns the status of all loaded seeds.
func (e *Engine) Status(ctx context.Context) ([]Status, error) {
	applied, err := e.appliedByKey(ctx)
	if err != nil {
		return nil, err
	}

	status := make([]Status, 0, len(e.seeds))
	for _, seed := range e.seeds {
		s := Status{Name: seed.Name, Env: seed.Env}
		if h, ok := applied[seed.key()]; ok {
			s.Applied = true
			s.Changed = h.Checksum != seed.Checksum
			s.AppliedAt = h.AppliedAt
		}
		status = append(status, s)
	}

	return status, nil
}

// History returns applied seeds in application order.
func (e *Engine) History(ctx context.Context) ([]History, error) {
	rows, err := e.db.Query(ctx, fmt.Sprintf(
		"SELECT id, name, env, checksum, applied_at FROM %q ORDER BY id", HistoryTable))
	if err != nil {
		return nil, err
	}

	history := make([]History, 0, len(rows))
	for _, row := range rows {
		history = append(history, historyFromRow(row))
	}
	return history, nil
}

func (e *Engine) appliedByKey(ctx context.Context) (map[string]History, error) {
	history, err := e.History(ctx)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]History, len(history))
	for _, h := range history {
		byKey[h.Name+":"+h.Env] = h
	}
	return byKey, nil
}

func historyFromRow(row query.Result) History {
	h := History{}
	h.ID, _ = row["id"].(int64)
	h.Name, _ = row["name"].(string)
	h.Env, _ = row["env"].(string)
	h.Checksum, _ = row["checksum"].(string)
	h.AppliedAt, _ = row["applied_at"].(time.Time)
	return h
}

// Seeds returns all loaded seeds.
func (e *Engine) Seeds() []*Seed {
	return e.seeds
}
