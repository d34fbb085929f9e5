package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"certsync/internal/config"
	"certsync/internal/queue"
	"certsync/internal/storage/postgres"
)

func runJobsFailed(cmd *cobra.Command, _ []string) error {
	q, logger, closeFn, err := openOperatorQueue(cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	defer logger.Sync()

	limit, _ := cmd.Flags().GetInt("limit")
	jobs, err := q.Failed(cmd.Context(), limit)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, job := range jobs {
		if err := enc.Encode(job); err != nil {
			return err
		}
	}
	logger.Info("failed jobs listed", zap.Int("count", len(jobs)))
	return nil
}

func runJobsRetry(cmd *cobra.Command, args []string) error {
	q, logger, closeFn, err := openOperatorQueue(cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	defer logger.Sync()

	for _, key := range args {
		if err := q.Retry(cmd.Context(), key); err != nil {
			return fmt.Errorf("retry %s: %w", key, err)
		}
		logger.Info("job requeued", zap.String("job", key))
	}
	return nil
}

// openOperatorQueue opens the configured queue without workers.
func openOperatorQueue(cmd *cobra.Command) (queue.Queue, *zap.Logger, func(), error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx := cmd.Context()
	var store *postgres.Store
	if cfg.Queue.Driver == "river" {
		store, err = postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
	}

	q, err := openQueue(ctx, cfg, store, nil, logger, nil)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, nil, nil, err
	}
	closeFn := func() {
		_ = q.Close()
		if store != nil {
			store.Close()
		}
	}
	return q, logger, closeFn, nil
}
