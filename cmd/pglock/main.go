// Package main provides the pglock command-line utility for inspecting and
// managing Postgres locks.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kneutral-org/pglock/internal/config"
	"github.com/kneutral-org/pglock/internal/logging"
)

var (
	flagDatabaseURL string
	flagConfigFile  string
	flagLogLevel    string
)

var rootCmd = &cobra.Command{
	Use:           "pglock",
	Short:         "Inspect and manage Postgres locks",
	Long:          `Show current and blocking locks, and cancel or terminate the sessions holding them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagDatabaseURL, "database", "d", "", "Postgres connection URL (defaults to DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config-file", "", "Path to the named lock-config YAML file (defaults to PGLOCK_CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level")
}

// cliConfig merges environment configuration with global flags.
func cliConfig() *config.Config {
	cfg := config.Load()
	if flagDatabaseURL != "" {
		cfg.DatabaseURL = flagDatabaseURL
	}
	if flagConfigFile != "" {
		cfg.ConfigFile = flagConfigFile
	}
	cfg.LogLevel = flagLogLevel
	return cfg
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logging.NewPrettyLogger("pglock", cfg.LogLevel)
}

// connect opens the connection pool used by a command invocation.
func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("no database URL: set --database or DATABASE_URL")
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
