package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/taproom/savedb/internal/cli"
	"github.com/taproom/savedb/internal/studio"
	dberrors "github.com/taproom/savedb/pkg/errors"
)

var version = "0.1.0"

func main() {
	studio.Version = version

	var configPath string

	rootCmd := &cobra.Command{
		Use:   "savedb",
		Short: "savedb - inspect and maintain the taproom save database",
		Long: `savedb manages the SQLite save database used by the game:
  • Run statements and queries through the bounded connection pool
  • Apply seed data, each file in its own transaction
  • Watch seed files during development
  • Browse tables over a local HTTP API
  • Back up and restore compressed snapshots`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to savedb.json (default ./savedb.json)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(execCmd(&configPath))
	rootCmd.AddCommand(queryCmd(&configPath))
	rootCmd.AddCommand(getCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(seedCmd(&configPath))
	rootCmd.AddCommand(devCmd(&configPath))
	rootCmd.AddCommand(studioCmd(&configPath))
	rootCmd.AddCommand(backupCmd(&configPath))
	rootCmd.AddCommand(restoreCmd(&configPath))

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		var dbErr *dberrors.DBError
		if errors.As(err, &dbErr) {
			fmt.Fprint(os.Stderr, dbErr.Print())
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// initCmd creates a new savedb project
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [directory]",
		Short: "Initialize a new savedb project",
		Long:  "Creates savedb.json with default settings and an empty seeds directory.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return cli.Init(dir)
		},
	}
}

// execCmd runs a statement without result rows
func execCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <statement> [args...]",
		Short: "Execute a statement",
		Long: `Executes a statement and reports affected rows. Arguments bind to ? placeholders;
numeric arguments bind as numbers and "null" binds NULL.

Examples:
  savedb exec "UPDATE venues SET capacity = ? WHERE id = ?" 60 1`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Exec(cmd.Context(), *configPath, args[0], args[1:], cmd.OutOrStdout())
		},
	}
}

// queryCmd prints query results
func queryCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <statement> [args...]",
		Short: "Run a query and print its rows",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			return cli.Query(cmd.Context(), *configPath, args[0], args[1:], asJSON, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Bool("json", false, "Print rows as JSON")
	return cmd
}

// getCmd prints a row by id
func getCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <table> <id>",
		Short: "Print one row by primary key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Get(cmd.Context(), *configPath, args[0], args[1], cmd.OutOrStdout())
		},
	}
}

// statsCmd prints pool statistics
func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Check the database and print pool statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Stats(cmd.Context(), *configPath, cmd.OutOrStdout())
		},
	}
}

// seedCmd handles database seeding
func seedCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Manage database seed data",
		Long:  "Load initial or test data into the database from seed files.",
	}

	run := func(c *cobra.Command, args []string) error {
		env, _ := c.Flags().GetString("env")
		reset, _ := c.Flags().GetBool("reset")
		return cli.SeedRun(c.Context(), *configPath, env, reset, c.OutOrStdout())
	}

	// seed (run)
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run pending seeds",
		RunE:  run,
	}
	runCmd.Flags().String("env", "", "Environment to run seeds for (dev, test, ...); * runs all")
	runCmd.Flags().Bool("reset", false, "Clear seed history and re-run all seeds")
	cmd.AddCommand(runCmd)

	// Make "run" the default action when just "savedb seed" is called
	cmd.RunE = run
	cmd.Flags().String("env", "", "Environment to run seeds for (dev, test, ...); * runs all")
	cmd.Flags().Bool("reset", false, "Clear seed history and re-run all seeds")

	// seed status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show seed status",
		RunE: func(c *cobra.Command, args []string) error {
			return cli.SeedStatus(c.Context(), *configPath, c.OutOrStdout())
		},
	})

	// seed new
	newCmd := &cobra.Command{
		Use:   "new <name>",
		Short: "Create a new seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			env, _ := c.Flags().GetString("env")
			return cli.SeedCreate(*configPath, args[0], env, c.OutOrStdout())
		},
	}
	newCmd.Flags().String("env", "", "Environment for the seed (dev, test, ...)")
	cmd.AddCommand(newCmd)

	return cmd
}

// devCmd runs in development mode
func devCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Run in development mode (watch seeds)",
		Long: `Keeps the save database open and re-applies seed files as they are
added or edited. Use Ctrl+C to stop.

Examples:
  savedb dev                    # Start watching with defaults
  savedb dev --env dev          # Include seeds/dev/
  savedb dev --poll             # Use polling (for network drives)
  savedb dev --interval 1s      # Set debounce interval`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := cli.DefaultDevOptions()
			opts.ConfigPath = *configPath
			opts.Env, _ = cmd.Flags().GetString("env")
			opts.Poll, _ = cmd.Flags().GetBool("poll")
			opts.Interval, _ = cmd.Flags().GetDuration("interval")
			return cli.Dev(opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().String("env", "", "Seed environment")
	cmd.Flags().Bool("poll", false, "Use polling instead of OS events (for network drives)")
	cmd.Flags().Duration("interval", 500*time.Millisecond, "Debounce/poll interval")

	return cmd
}

// studioCmd runs the inspection server
func studioCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "studio",
		Short: "Serve the database inspection API",
		Long: `Starts a local HTTP server for browsing the save database.

Examples:
  savedb studio                  # Use host and port from savedb.json
  savedb studio --port 3000      # Use custom port
  savedb studio --no-open        # Don't open browser automatically`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := cli.StudioOptions{ConfigPath: *configPath}
			opts.Port, _ = cmd.Flags().GetInt("port")
			opts.Host, _ = cmd.Flags().GetString("host")
			opts.NoOpen, _ = cmd.Flags().GetBool("no-open")
			return cli.Studio(opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().Int("port", 0, "Port to run the studio server on")
	cmd.Flags().String("host", "", "Host to bind the server to")
	cmd.Flags().Bool("no-open", false, "Don't automatically open browser")

	return cmd
}

// backupCmd writes a snapshot
func backupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <file.db.zst>",
		Short: "Write a compressed snapshot of the save database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Backup(cmd.Context(), *configPath, args[0], cmd.OutOrStdout())
		},
	}
}

// restoreCmd replaces the database from a snapshot
func restoreCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <file.db.zst>",
		Short: "Replace the save database with a snapshot",
		Long:  "Replaces the save database file. Stop the game and any savedb dev or studio session first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Restore(*configPath, args[0], cmd.OutOrStdout())
		},
	}
}
