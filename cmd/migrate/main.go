package main

import (
	"database/sql"
	"os"

	"github.com/SirClappington/promptworks/internal/config"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var dsn, dir string

	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the PostgreSQL schema of the works store",
		SilenceUsage: true,
	}
	cfg, _ := config.Parse()
	root.PersistentFlags().StringVar(&dsn, "dsn", cfg.PostgresDSN, "PostgreSQL DSN (POSTGRES_DSN)")
	root.PersistentFlags().StringVarP(&dir, "dir", "d", orDefault(cfg.MigrationsDir, "migrations"), "migrations directory (MIGRATIONS_DIR)")

	run := func(fn func(db *sql.DB, dir string) error) func(*cobra.Command, []string) error {
		return func(*cobra.Command, []string) error {
			if dsn == "" {
				return errors.New("no DSN: set POSTGRES_DSN or pass --dsn")
			}
			db, err := sql.Open("pgx", dsn)
			if err != nil {
				return errors.Wrap(err, "open database")
			}
			defer db.Close()
			if err := goose.SetDialect("postgres"); err != nil {
				return err
			}
			return fn(db, dir)
		}
	}

	root.AddCommand(
		&cobra.Command{Use: "up", Short: "Apply all pending migrations", Args: cobra.NoArgs, RunE: run(goose.Up)},
		&cobra.Command{Use: "down", Short: "Roll back the latest migration", Args: cobra.NoArgs, RunE: run(goose.Down)},
		&cobra.Command{Use: "status", Short: "Print the state of every migration", Args: cobra.NoArgs, RunE: run(goose.Status)},
	)
	return root
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
