// Package cli implements the CLI command handlers.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/taproom/savedb/pkg/database"
)

const configFileName = "savedb.json"

// Config represents the savedb configuration file. Comments and trailing
// commas are allowed in the file.
type Config struct {
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	Studio   StudioConfig   `json:"studio"`
	Seeds    SeedsConfig    `json:"seeds"`
}

// DatabaseConfig holds save database settings.
type DatabaseConfig struct {
	Path           string   `json:"path"`
	MinConnections int      `json:"min_connections"`
	MaxConnections int      `json:"max_connections"`
	AcquireTimeout Duration `json:"acquire_timeout"`
	BusyTimeout    Duration `json:"busy_timeout"`
	SlowQuery      Duration `json:"slow_query"`
	MaskArgs       bool     `json:"mask_args"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// StudioConfig holds inspection server settings.
type StudioConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// SeedsConfig holds seed loading settings.
type SeedsConfig struct {
	Dir string `json:"dir"`
	Env string `json:"env"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "30s" style strings or integer milliseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("invalid duration %s", b)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	defaults := database.DefaultConfig("")
	return &Config{
		Database: DatabaseConfig{
			Path:           "./savegame.db",
			MinConnections: defaults.MinConnections,
			MaxConnections: defaults.MaxConnections,
			AcquireTimeout: Duration(defaults.AcquireTimeout),
			BusyTimeout:    Duration(defaults.BusyTimeout),
			SlowQuery:      Duration(defaults.SlowQueryThreshold),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Studio: StudioConfig{
			Host: "localhost",
			Port: 4000,
		},
		Seeds: SeedsConfig{
			Dir: "./seeds",
		},
	}
}

// LoadConfig loads the configuration from path, or from savedb.json in the
// current directory when path is empty. Missing fields keep their defaults
// and SAVEDB_* environment variables override the file.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = configFileName
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("not a savedb project (%s not found). Run 'savedb init' first", path)
		}
		return nil, err
	}

	config := DefaultConfig()
	if err := json.Unmarshal(jsonc.ToJSON(data), config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Relative database and seed paths are relative to the config file.
	base := filepath.Dir(path)
	config.Database.Path = resolve(base, config.Database.Path)
	config.Seeds.Dir = resolve(base, config.Seeds.Dir)

	if err := config.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return config, nil
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// applyEnv overrides settings from SAVEDB_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("SAVEDB_PATH"); ok && v != "" {
		c.Database.Path = v
	}
	if v, ok := lookup("SAVEDB_LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup("SAVEDB_LOG_FORMAT"); ok && v != "" {
		c.Logging.Format = v
	}
	if v, ok := lookup("SAVEDB_SEED_ENV"); ok {
		c.Seeds.Env = v
	}

	ints := map[string]*int{
		"SAVEDB_MIN_CONNECTIONS": &c.Database.MinConnections,
		"SAVEDB_MAX_CONNECTIONS": &c.Database.MaxConnections,
		"SAVEDB_STUDIO_PORT":     &c.Studio.Port,
	}
	for name, dst := range ints {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = n
		}
	}

	if v, ok := lookup("SAVEDB_ACQUIRE_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SAVEDB_ACQUIRE_TIMEOUT: %w", err)
		}
		c.Database.AcquireTimeout = Duration(d)
	}
	return nil
}

// DatabaseConfig converts the file settings into a database.Config.
func (c *Config) DatabaseConfig(logger *slog.Logger) database.Config {
	cfg := database.DefaultConfig(c.Database.Path)
	cfg.MinConnections = c.Database.MinConnections
	cfg.MaxConnections = c.Database.MaxConnections
	cfg.AcquireTimeout = time.Duration(c.Database.AcquireTimeout)
	cfg.BusyTimeout = time.Duration(c.Database.BusyTimeout)
	cfg.SlowQueryThreshold = time.Duration(c.Database.SlowQuery)
	cfg.MaskQueryArgs = c.Database.MaskArgs
	cfg.Logger = logger
	return cfg
}

// NewLogger builds the slog logger described by the logging settings.
func NewLogger(cfg LoggingConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("logging level: %w", err)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("logging format %q: want text or json", cfg.Format)
	}
}

// Init initializes a new savedb project in dir.
func Init(dir string) error {
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory: %w", err)
		}
	}

	configPath := filepath.Join(dir, configFileName)
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("project already initialized: %s exists", configFileName)
	}

	data, err := json.MarshalIndent(DefaultConfig(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return err
	}
	fmt.Printf("✓ Created %s\n", configPath)

	seedDir := filepath.Join(dir, "seeds")
	if err := os.MkdirAll(seedDir, 0755); err != nil {
		return err
	}
	fmt.Printf("✓ Created %s/\n", seedDir)

	fmt.Println("\nNext steps:")
	fmt.Println("  1. Add schema and starter data as seeds/001_<name>.sql")
	fmt.Println("  2. Run 'savedb seed' to apply them")
	fmt.Println("  3. Run 'savedb studio' to browse the save database")

	return nil
}
