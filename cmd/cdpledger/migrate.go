package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeDB, err := newMigrator(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		n, err := m.Up(cmd.Context())
		if err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeDB, err := newMigrator(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		rolledBack, err := m.Down(cmd.Context())
		if err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		if !rolledBack {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "rolled back 1 migration")
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations not yet applied",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeDB, err := newMigrator(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		pending, err := m.Pending(cmd.Context())
		if err != nil {
			return fmt.Errorf("migrate status: %w", err)
		}
		if len(pending) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		}
		for _, name := range pending {
			fmt.Fprintf(cmd.OutOrStdout(), "pending  %s\n", name)
		}
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}

func newMigrator(cmd *cobra.Command) (*persistence.Migrator, func(), error) {
	db, err := openDB(cmd.Context(), cfg.PostgresURL)
	if err != nil {
		return nil, nil, err
	}
	m := persistence.NewMigrator(db, migrationFiles(), observability.NewLogger("migrate"))
	return m, func() { db.Close() }, nil
}
