// Package cli implements the calsync command line.
package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/beekhof/calsync/internal/calendar"
	"github.com/beekhof/calsync/internal/config"
)

// ProviderFactory builds the calendar provider from the loaded configuration.
type ProviderFactory func(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (calendar.Provider, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile  string
	DatabaseURL string
	SnapshotDir string
	LogLevel    string
	Verbose     bool

	// NewProvider overrides the Google provider (tests).
	NewProvider ProviderFactory
}

// NewRootCommand creates the root command for the calsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{NewProvider: newGoogleProvider}
	return newRootCommand(opts)
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calsync",
		Short: "Calendar synchronization engine",
		Long: `calsync mirrors events from Google Calendar into a local database.

Runs fire twice a day (morning and evening, in the configured time zone) or on
demand. Every run records an auditable sync log entry and writes a snapshot of
the fetched payload.

CONFIGURATION PRECEDENCE (highest to lowest):
    1. Command-line flags
    2. Environment variables (CALSYNC_*, optionally from a .env file)
    3. Config file (--config, JSON or YAML)
    4. Defaults`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "path to JSON or YAML config file")
	cmd.PersistentFlags().StringVar(&opts.DatabaseURL, "database-url", "", "database DSN (postgres:// URL or SQLite path)")
	cmd.PersistentFlags().StringVar(&opts.SnapshotDir, "snapshot-dir", "", "directory for run snapshots")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewLogsCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))

	return cmd
}

func (opts *RootOptions) overrides() config.Overrides {
	o := config.Overrides{
		DatabaseURL: opts.DatabaseURL,
		SnapshotDir: opts.SnapshotDir,
		LogLevel:    opts.LogLevel,
	}
	if opts.Verbose {
		o.LogLevel = "debug"
	}
	return o
}

func (opts *RootOptions) loadConfig(listen string) (*config.Config, error) {
	overrides := opts.overrides()
	overrides.Listen = listen
	cfg, err := config.LoadConfig(opts.ConfigFile, overrides)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
