package main

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"clinical-sim/internal/config"
	"clinical-sim/internal/platform/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate(cmd, func(m *migrate.Migrate) error { return m.Up() })
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate(cmd, func(m *migrate.Migrate) error { return m.Steps(-1) })
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
}

func runMigrate(cmd *cobra.Command, step func(*migrate.Migrate) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return err
	}
	defer log.Sync()
	return applyMigrations(cfg.Database, log, step)
}

func applyMigrations(db config.DatabaseConfig, log *logger.Logger, step func(*migrate.Migrate) error) error {
	if db.URL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	m, err := migrate.New(db.MigrationsPath, db.URL)
	if err != nil {
		return fmt.Errorf("migration init failed: %w", err)
	}
	defer m.Close()

	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("migrations already up to date")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}
	version, dirty, _ := m.Version()
	log.Info("migrations applied", "version", version, "dirty", dirty)
	return nil
}
