package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/taproom/savedb/pkg/core/seed"
	"github.com/taproom/savedb/pkg/database"
)

// loadSeeds prepares a seed engine over db with the seeds under dir.
func loadSeeds(ctx context.Context, db *database.Database, dir string) (*seed.Engine, error) {
	engine := seed.NewEngine(db)

	if err := engine.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing seeds table: %w", err)
	}
	if err := engine.LoadFromDir(dir); err != nil {
		return nil, fmt.Errorf("loading seeds: %w", err)
	}
	return engine, nil
}

// SeedRun runs pending seeds for the specified environment. An empty env
// uses the environment from the config.
func SeedRun(ctx context.Context, configPath, env string, reset bool, out io.Writer) error {
	config, db, err := openDatabase(ctx, configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if env == "" {
		env = config.Seeds.Env
	}

	engine, err := loadSeeds(ctx, db, config.Seeds.Dir)
	if err != nil {
		return err
	}

	seeds := engine.Seeds()
	if len(seeds) == 0 {
		fmt.Fprintf(out, "No seed files found in %s.\n", config.Seeds.Dir)
		return nil
	}

	fmt.Fprintf(out, "Found %d seed(s)\n", len(seeds))

	var applied int
	if reset {
		fmt.Fprintln(out, "Resetting seeds...")
		applied, err = engine.Reset(ctx, env)
	} else {
		applied, err = engine.Run(ctx, env)
	}

	if err != nil {
		return fmt.Errorf("running seeds: %w", explain(ctx, db, err))
	}

	if applied == 0 {
		fmt.Fprintln(out, "No pending seeds.")
	} else {
		fmt.Fprintf(out, "✓ Applied %d seed(s)\n", applied)
	}

	return nil
}

// SeedStatus shows the status of all seeds.
func SeedStatus(ctx context.Context, configPath string, out io.Writer) error {
	config, db, err := openDatabase(ctx, configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	engine, err := loadSeeds(ctx, db, config.Seeds.Dir)
	if err != nil {
		return err
	}

	status, err := engine.Status(ctx)
	if err != nil {
		return fmt.Errorf("getting status: %w", err)
	}

	if len(status) == 0 {
		fmt.Fprintln(out, "No seeds found.")
		return nil
	}

	fmt.Fprintln(out, "Seed Status:")
	fmt.Fprintln(out, strings.Repeat("-", 60))
	for _, s := range status {
		indicator := "[ ]"
		appliedAt := ""
		envLabel := ""
		if s.Applied {
			indicator = "[✓]"
			if s.Changed {
				indicator = "[~]"
			}
			appliedAt = s.AppliedAt.Format(time.RFC3339)
		}
		if s.Env != "" {
			envLabel = fmt.Sprintf(" [%s]", s.Env)
		}
		fmt.Fprintf(out, "%s %s%s %s\n", indicator, s.Name, envLabel, appliedAt)
	}

	return nil
}

// SeedCreate creates a new seed file.
func SeedCreate(configPath, name, env string, out io.Writer) error {
	config, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	targetDir := config.Seeds.Dir
	if env != "" {
		targetDir = filepath.Join(targetDir, env)
	}

	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("creating seeds directory: %w", err)
	}

	files, err := os.ReadDir(targetDir)
	if err != nil {
		return err
	}

	nextOrder := 1
	for _, f := range files {
		if strings.HasSuffix(f.Name(), ".sql") {
			var order int
			if _, err := fmt.Sscanf(f.Name(), "%d_", &order); err == nil {
				if order >= nextOrder {
					nextOrder = order + 1
				}
			}
		}
	}

	path := filepath.Join(targetDir, fmt.Sprintf("%03d_%s.sql", nextOrder, name))

	content := fmt.Sprintf(`-- seed: %s
-- description: Add description here

-- Add your seed data here
-- Example:
-- INSERT INTO venues (name, capacity) VALUES
--   ('Taproom', 40),
--   ('Cellar', 20);
`, name)

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing seed file: %w", err)
	}

	fmt.Fprintf(out, "✓ Created seed: %s\n", path)
	return nil
}
