package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/taproom/savedb/internal/studio"
)

// StudioOptions configures the studio server. Zero values fall back to the
// config file.
type StudioOptions struct {
	ConfigPath string
	Port       int
	Host       string
	NoOpen     bool
}

// Studio starts the inspection server and serves until interrupted.
func Studio(opts StudioOptions, out io.Writer) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config, db, err := openDatabase(ctx, opts.ConfigPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if opts.Host == "" {
		opts.Host = config.Studio.Host
	}
	if opts.Port == 0 {
		opts.Port = config.Studio.Port
	}

	logger, err := NewLogger(config.Logging, os.Stderr)
	if err != nil {
		return err
	}

	server := studio.NewServer(studio.Config{
		Port:     opts.Port,
		Host:     opts.Host,
		Database: db,
		Logger:   logger,
	})

	printStudioBanner(out, server.Addr(), db.Path())

	if !opts.NoOpen {
		go openBrowser(fmt.Sprintf("http://%s/api/info", server.Addr()))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			fmt.Fprintln(out, "\n\n👋 Stopping savedb studio...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return server.StartWithContext(ctx)
}

// printStudioBanner prints the startup banner.
func printStudioBanner(out io.Writer, addr, dbPath string) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "🔷 savedb studio")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "   Local:    http://%s/api\n", addr)
	fmt.Fprintf(out, "   Database: %s\n", dbPath)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "   Press Ctrl+C to stop")
	fmt.Fprintln(out)
}

// openBrowser opens the default browser to the given URL.
func openBrowser(url string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		return
	}

	_ = cmd.Start()
}
