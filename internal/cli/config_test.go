package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_JSONC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, configFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{
	// where the save lives
	"database": {
		"path": "saves/slot1.db",
		"max_connections": 3,
		"acquire_timeout": "10s",
		"busy_timeout": 2500, /* milliseconds */
	},
	"seeds": {"env": "dev"},
}`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "saves", "slot1.db"), cfg.Database.Path)
	assert.Equal(t, 3, cfg.Database.MaxConnections)
	assert.Equal(t, Duration(10*time.Second), cfg.Database.AcquireTimeout)
	assert.Equal(t, Duration(2500*time.Millisecond), cfg.Database.BusyTimeout)
	assert.Equal(t, "dev", cfg.Seeds.Env)

	// Unset fields keep defaults.
	assert.Equal(t, 1, cfg.Database.MinConnections)
	assert.Equal(t, 4000, cfg.Studio.Port)
	assert.Equal(t, filepath.Join(dir, "seeds"), cfg.Seeds.Dir)
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), configFileName))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "savedb init")
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, configFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))

	t.Setenv("SAVEDB_MAX_CONNECTIONS", "7")
	t.Setenv("SAVEDB_PATH", "/tmp/override.db")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Database.MaxConnections)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SAVEDB_LOG_LEVEL":       "debug",
		"SAVEDB_ACQUIRE_TIMEOUT": "250ms",
		"SAVEDB_STUDIO_PORT":     "8080",
		"SAVEDB_SEED_ENV":        "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	cfg.Seeds.Env = "dev"
	require.NoError(t, cfg.applyEnv(lookup))

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, Duration(250*time.Millisecond), cfg.Database.AcquireTimeout)
	assert.Equal(t, 8080, cfg.Studio.Port)
	assert.Empty(t, cfg.Seeds.Env, "an explicitly empty seed env clears the file's value")

	env["SAVEDB_MIN_CONNECTIONS"] = "many"
	assert.Error(t, cfg.applyEnv(lookup))
}

func TestDatabaseConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Path = "/tmp/save.db"
	cfg.Database.MaxConnections = 4
	cfg.Database.MaskArgs = true

	dbCfg := cfg.DatabaseConfig(nil)
	assert.Equal(t, "/tmp/save.db", dbCfg.Path)
	assert.Equal(t, 4, dbCfg.MaxConnections)
	assert.Equal(t, 30*time.Second, dbCfg.AcquireTimeout)
	assert.True(t, dbCfg.MaskQueryArgs)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger, err := NewLogger(LoggingConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "slot", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = NewLogger(LoggingConfig{Level: "loud"}, &buf)
	assert.Error(t, err)
	_, err = NewLogger(LoggingConfig{Level: "info", Format: "xml"}, &buf)
	assert.Error(t, err)
}

func TestInit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "project")
	require.NoError(t, Init(dir))

	assert.DirExists(t, filepath.Join(dir, "seeds"))

	cfg, err := LoadConfig(filepath.Join(dir, configFileName))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "savegame.db"), cfg.Database.Path)
	assert.Equal(t, DefaultConfig().Database.AcquireTimeout, cfg.Database.AcquireTimeout)

	assert.Error(t, Init(dir))
}
