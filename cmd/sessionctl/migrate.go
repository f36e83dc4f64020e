package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// migrateLogger routes golang-migrate output through zerolog.
type migrateLogger struct {
	log     zerolog.Logger
	verbose bool
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Info().Msgf(format, v...)
}

func (l migrateLogger) Verbose() bool { return l.verbose }

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "migrate <up|down|version|force VERSION>",
		Short: "Apply or inspect the database schema migrations",
		Long: `Run golang-migrate against DATABASE_URL.

Examples:
  sessionctl migrate up
  sessionctl migrate version
  sessionctl migrate force 1 --path ./migrations`,
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{"up", "down", "version", "force"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is not set")
			}
			m, err := migrate.New("file://"+dir, opts.cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("initialize migrations: %w", err)
			}
			defer m.Close()
			m.Log = migrateLogger{log: opts.log, verbose: opts.Verbose}

			return runMigrate(m, cmd, args)
		},
	}

	cmd.Flags().StringVar(&dir, "path", "migrations", "directory holding the migration files")

	return cmd
}

func runMigrate(m *migrate.Migrate, cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	switch args[0] {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate up: %w", err)
		}
		fmt.Fprintln(out, "Migrated up successfully")
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate down: %w", err)
		}
		fmt.Fprintln(out, "Migrated down successfully")
	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Fprintln(out, "No migrations applied")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read version: %w", err)
		}
		fmt.Fprintf(out, "Version: %d, Dirty: %t\n", version, dirty)
	case "force":
		if len(args) < 2 {
			return errors.New("force requires a version argument")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		if err := m.Force(v); err != nil {
			return fmt.Errorf("force version: %w", err)
		}
		fmt.Fprintf(out, "Forced version to %d\n", v)
	default:
		return fmt.Errorf("unknown migrate command %q", args[0])
	}
	return nil
}
