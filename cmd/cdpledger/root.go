package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"CDPLedger/internal/config"
	"CDPLedger/internal/observability"
	"CDPLedger/migrations"
)

var (
	cfg      = config.FromEnv()
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "cdpledger",
	Short: "Collateralized debt vault, stability pool and price oracle ledger",
	Long: `cdpledger runs a deterministic ledger for a collateralized debt vault
backed by a stability pool and a staleness-aware price oracle.

Every setting has an environment variable (CDP_*, POSTGRES_URL, NATS_URL);
flags override the environment.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.SetGlobalLevel(observability.ParseLogLevel(logLevel))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfg.PostgresURL, "postgres-url", cfg.PostgresURL, "Postgres connection string")
	rootCmd.PersistentFlags().StringVar(&cfg.MigrationsDir, "migrations-dir", cfg.MigrationsDir, "read migrations from this directory instead of the embedded set")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
}

func openDB(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

func migrationFiles() fs.FS {
	if cfg.MigrationsDir != "" {
		return os.DirFS(cfg.MigrationsDir)
	}
	return migrations.FS
}
