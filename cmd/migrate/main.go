package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"cytolab.org/internal/config"
	"cytolab.org/internal/migrate"
)

var dsn string

var rootCmd = &cobra.Command{
	Use:          "cytolab-migrate",
	Short:        "Manage the cytolab database schema",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if dsn != "" {
			return nil
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if dsn = cfg.DatabaseURL; dsn == "" {
			return fmt.Errorf("missing DSN: provide via --dsn or CYTOLAB_DATABASE_URL")
		}
		return nil
	},
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(nil, func(m *migrate.Manager) error { return m.Up() })
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(nil, func(m *migrate.Manager) error { return m.Down() })
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the applied schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(nil, func(m *migrate.Manager) error {
			version, dirty, err := m.Status()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", version, dirty)
			return nil
		})
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Apply seed files that have not run yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()
		return withManager(db, func(m *migrate.Manager) error { return m.Seed(cmd.Context()) })
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (defaults to CYTOLAB_DATABASE_URL)")
	rootCmd.AddCommand(upCmd, downCmd, statusCmd, seedCmd)
}

func withManager(db *sql.DB, fn func(*migrate.Manager) error) error {
	m, err := migrate.NewManager(dsn, db)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	return fn(m)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
