package cmd

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/trikhub/trikhub/internal/config"
	"github.com/trikhub/trikhub/internal/storage"
)

var migrationsDir string

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Storage schema migrations",
		Long: "Migrate manages the schema of the configured storage backend.\n" +
			"Sqlite and postgres run the embedded migrations; --migrations-dir\n" +
			"switches postgres to an on-disk migration set instead.",
	}

	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "postgres only: read migrations from this directory instead of the embedded set")

	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateVersionCmd())
	cmd.AddCommand(migrateForceCmd())
	cmd.AddCommand(migrateGotoCmd())
	cmd.AddCommand(migrateDropCmd())

	return cmd
}

func resolveMigrationsDir() string {
	if migrationsDir != "" {
		return migrationsDir
	}
	return os.Getenv("TRIKHUB_MIGRATIONS_DIR")
}

// openMigrator builds a migrator for the configured backend. The cleanup
// closes the migrator and, for embedded sources, the database handle.
func openMigrator() (*migrate.Migrate, func(), error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	switch cfg.Storage.Backend {
	case storage.BackendSQLite:
		path := config.ExpandHome(cfg.Storage.SQLitePath)
		if path == "" {
			return nil, nil, errors.New("storage.sqlitePath is not configured")
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", path, err)
		}
		m, err := storage.NewMigrator(storage.BackendSQLite, db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return m, func() { m.Close(); db.Close() }, nil

	case storage.BackendPostgres:
		// DSN comes from the environment only, never the config file.
		dsn := cfg.Storage.PostgresDSN
		if dsn == "" {
			return nil, nil, errors.New("TRIKHUB_POSTGRES_DSN environment variable is not set")
		}
		if dir := resolveMigrationsDir(); dir != "" {
			m, err := migrate.New("file://"+dir, dsn)
			if err != nil {
				return nil, nil, fmt.Errorf("create migrator: %w", err)
			}
			return m, func() { m.Close() }, nil
		}
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect: %w", err)
		}
		m, err := storage.NewMigrator(storage.BackendPostgres, db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return m, func() { m.Close(); db.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("storage backend %q has no schema migrations", cfg.Storage.Backend)
	}
}

// withMigrator opens the migrator, runs step, and on success logs msg with
// the resulting version. migrate.ErrNoChange counts as success.
func withMigrator(msg string, step func(*migrate.Migrate) error) error {
	m, cleanup, err := openMigrator()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := step(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	v, dirty, _ := m.Version()
	slog.Info(msg, "version", v, "dirty", dirty)
	return nil
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator("migration complete", func(m *migrate.Migrate) error {
				if err := m.Up(); err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				return nil
			})
		},
	}
}

func migrateDownCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (default: 1 step)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				steps = 1
			}
			return withMigrator("rollback complete", func(m *migrate.Migrate) error {
				if err := m.Steps(-steps); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "number of steps to roll back")
	return cmd
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show current migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, cleanup, err := openMigrator()
			if err != nil {
				return err
			}
			defer cleanup()

			v, dirty, err := m.Version()
			if err != nil {
				return fmt.Errorf("get version: %w", err)
			}
			fmt.Printf("version: %d, dirty: %v\n", v, dirty)
			return nil
		},
	}
}

func migrateForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Force set migration version (no migration applied)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version: %w", err)
			}
			return withMigrator("forced version", func(m *migrate.Migrate) error {
				if err := m.Force(version); err != nil {
					return fmt.Errorf("force version: %w", err)
				}
				return nil
			})
		},
	}
}

func migrateGotoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "goto <version>",
		Short: "Migrate to a specific version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid version: %w", err)
			}
			return withMigrator("migrated", func(m *migrate.Migrate) error {
				if err := m.Migrate(uint(version)); err != nil {
					return fmt.Errorf("migrate goto: %w", err)
				}
				return nil
			})
		},
	}
}

func migrateDropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop",
		Short: "Drop all storage tables (DANGEROUS)",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, cleanup, err := openMigrator()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := m.Drop(); err != nil {
				return fmt.Errorf("drop: %w", err)
			}
			slog.Info("storage tables dropped")
			return nil
		},
	}
}
