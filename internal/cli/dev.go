package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/taproom/savedb/pkg/database"
)

// DevOptions configures the dev mode behavior.
type DevOptions struct {
	ConfigPath string
	Env        string        // Seed environment, defaults to the config's
	Poll       bool          // Use polling instead of OS events
	Interval   time.Duration // Debounce/poll interval
}

// DefaultDevOptions returns the default dev mode options.
func DefaultDevOptions() DevOptions {
	return DevOptions{
		Interval: 500 * time.Millisecond,
	}
}

// devSession re-syncs seeds into an open database when seed files change.
type devSession struct {
	db  *database.Database
	dir string
	env string
	out io.Writer
	mu  sync.Mutex
}

// Dev keeps the save database open and re-applies new or edited seed files
// as they change on disk.
func Dev(opts DevOptions, out io.Writer) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config, db, err := openDatabase(ctx, opts.ConfigPath)
	if err != nil {
		return err
	}
	defer db.Close()

	env := opts.Env
	if env == "" {
		env = config.Seeds.Env
	}

	dir, err := filepath.Abs(config.Seeds.Dir)
	if err != nil {
		return fmt.Errorf("resolving seeds path: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	s := &devSession{db: db, dir: dir, env: env, out: out}

	printDevBanner(out, db.Path(), dir)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			fmt.Fprintln(out, "\n\n👋 Stopping dev mode...")
			cancel()
		case <-ctx.Done():
		}
	}()

	s.sync(ctx)

	fmt.Fprintf(out, "[%s] Watching for changes...\n", timestamp())

	if opts.Poll {
		return s.watchWithPolling(ctx, opts.Interval)
	}
	return s.watchWithFsnotify(ctx, opts.Interval)
}

// watchWithFsnotify uses OS-level file system events.
func (s *devSession) watchWithFsnotify(ctx context.Context, interval time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range s.watchDirs() {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watching directory: %w", err)
		}
	}

	var debounceTimer *time.Timer
	var debounceMu sync.Mutex
	defer func() {
		debounceMu.Lock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			// New environment directories are watched as they appear.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
					continue
				}
			}

			if !isRelevantEvent(event) {
				continue
			}

			name := event.Name
			debounceMu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(interval, func() {
				fmt.Fprintf(s.out, "[%s] Change detected: %s\n", timestamp(), filepath.Base(name))
				s.sync(ctx)
				fmt.Fprintf(s.out, "[%s] Watching for changes...\n", timestamp())
			})
			debounceMu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(s.out, "[%s] ⚠ Watcher error: %v\n", timestamp(), err)
		}
	}
}

// watchWithPolling uses file modification time polling.
func (s *devSession) watchWithPolling(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastMod := s.snapshotModTimes()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			current := s.snapshotModTimes()
			if !sameModTimes(lastMod, current) {
				lastMod = current
				fmt.Fprintf(s.out, "[%s] Change detected in %s\n", timestamp(), s.dir)
				s.sync(ctx)
			}
		}
	}
}

// sync applies new seeds and re-applies edited ones.
func (s *devSession) sync(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	engine, err := loadSeeds(ctx, s.db, s.dir)
	if err != nil {
		fmt.Fprintf(s.out, "[%s] ❌ Error: %v\n", timestamp(), err)
		return
	}

	applied, err := engine.Sync(ctx, s.env)
	if err != nil {
		fmt.Fprintf(s.out, "[%s] ❌ Error: %v\n", timestamp(), explain(ctx, s.db, err))
	}
	if applied > 0 {
		fmt.Fprintf(s.out, "[%s] ✓ Applied %d seed(s)\n", timestamp(), applied)
	}
}

// watchDirs returns the seeds directory and its environment subdirectories.
func (s *devSession) watchDirs() []string {
	dirs := []string{s.dir}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return dirs
	}
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(s.dir, e.Name()))
		}
	}
	return dirs
}

func (s *devSession) snapshotModTimes() map[string]time.Time {
	mods := make(map[string]time.Time)
	for _, dir := range s.watchDirs() {
		matches, _ := filepath.Glob(filepath.Join(dir, "*.sql"))
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil {
				mods[m] = info.ModTime()
			}
		}
	}
	return mods
}

func sameModTimes(a, b map[string]time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if !b[k].Equal(v) {
			return false
		}
	}
	return true
}

// isRelevantEvent checks if the file system event touches a seed file.
func isRelevantEvent(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	return filepath.Ext(event.Name) == ".sql"
}

// printDevBanner prints the startup banner.
func printDevBanner(out io.Writer, dbPath, seedDir string) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "🚀 savedb dev mode")
	fmt.Fprintf(out, "   Database: %s\n", dbPath)
	fmt.Fprintf(out, "   Seeds:    %s/\n", seedDir)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "   Press Ctrl+C to stop")
	fmt.Fprintln(out)
}

// timestamp returns the current time formatted for logging.
func timestamp() string {
	return time.Now().Format("15:04:05")
}
