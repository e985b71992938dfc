package main

import (
	"errors"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"
	"github.com/tallyhq/tally/internal/config"
)

var (
	migrateSource string
	migrateDown   bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		m, err := migrate.New(migrateSource, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer m.Close()

		apply, verb := m.Up, "applied"
		if migrateDown {
			apply, verb = m.Down, "rolled back"
		}
		if err := apply(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				slog.Info("no changes to apply")
				return nil
			}
			return err
		}

		version, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			return err
		}
		slog.Info("migrations "+verb+" successfully", "version", version, "dirty", dirty)
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateSource, "source", "file://db/migrations", "Migration source URL.")
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "Roll back every migration instead of applying them.")
}
