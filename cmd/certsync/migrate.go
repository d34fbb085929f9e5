package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"certsync/internal/config"
	"certsync/internal/storage/postgres"
)

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadForMigrate(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := postgres.MigrateUp(cfg.PGDSN); err != nil {
		return err
	}
	version, dirty, err := postgres.MigrationVersion(cfg.PGDSN)
	if err != nil {
		return err
	}
	logger.Info("schema migrated", zap.Uint("version", version), zap.Bool("dirty", dirty))

	if cfg.Queue.Driver == "river" {
		return migrateRiver(cmd.Context(), cfg.PGDSN, rivermigrate.DirectionUp, 0, logger)
	}
	return nil
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadForMigrate(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	steps, _ := cmd.Flags().GetInt("steps")
	if err := postgres.MigrateDown(cfg.PGDSN, steps); err != nil {
		return err
	}
	version, _, err := postgres.MigrationVersion(cfg.PGDSN)
	if err != nil {
		return err
	}
	logger.Info("schema rolled back", zap.Int("steps", steps), zap.Uint("version", version))
	return nil
}

func loadForMigrate(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	if cfg.PGDSN == "" {
		return config.Config{}, nil, fmt.Errorf("pg-dsn is required")
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// migrateRiver applies River's own schema for the river queue driver.
func migrateRiver(ctx context.Context, dsn string, direction rivermigrate.Direction, steps int, logger *zap.Logger) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("init river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, direction, &rivermigrate.MigrateOpts{MaxSteps: steps})
	if err != nil {
		return fmt.Errorf("river migrate: %w", err)
	}
	for _, v := range res.Versions {
		logger.Info("river migration applied", zap.Int("version", v.Version), zap.String("name", v.Name))
	}
	return nil
}
