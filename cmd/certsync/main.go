package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "certsync",
		Short:        "Certificate platform chain event synchronizer",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the chain, listen for contract events and apply them",
		RunE:  runSync,
	}
	addRunFlags(runCmd.Flags())
	root.AddCommand(runCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}
	migrateUpCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE:  runMigrateUp,
	}
	migrateDownCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE:  runMigrateDown,
	}
	migrateDownCmd.Flags().Int("steps", 1, "number of migrations to roll back")
	migrateCmd.PersistentFlags().String("pg-dsn", "", "Postgres DSN")
	migrateCmd.PersistentFlags().String("queue-driver", "redis", "job queue driver (redis, river); river also migrates its tables")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	root.AddCommand(migrateCmd)

	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and retry failed jobs",
	}
	failedCmd := &cobra.Command{
		Use:   "failed",
		Short: "List jobs that exhausted their attempts",
		RunE:  runJobsFailed,
	}
	failedCmd.Flags().Int("limit", 50, "maximum number of jobs to list")
	retryCmd := &cobra.Command{
		Use:   "retry KEY...",
		Short: "Move failed jobs back to the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runJobsRetry,
	}
	addQueueFlags(jobsCmd.PersistentFlags())
	jobsCmd.PersistentFlags().String("pg-dsn", "", "Postgres DSN")
	jobsCmd.AddCommand(failedCmd, retryCmd)
	root.AddCommand(jobsCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addRunFlags(fs *pflag.FlagSet) {
	fs.String("rpc-mode", "http", "rpc transport (http, ws)")
	fs.String("rpc-url", "", "request-response RPC URL")
	fs.String("rpc-wss-url", "", "websocket RPC URL")
	fs.String("rpc-api-key", "", "API key appended to the RPC URL")
	fs.Duration("heartbeat-interval", 15*time.Second, "websocket heartbeat interval")
	fs.Duration("heartbeat-timeout", 7500*time.Millisecond, "heartbeat acknowledgement timeout")
	fs.Int("heartbeat-max-missed", 1, "missed heartbeats before reconnecting")
	fs.Duration("reconnect-delay", 5*time.Second, "delay before each reconnect attempt")

	fs.String("organization-address", "", "organization contract address")
	fs.String("certificate-type-address", "", "certificate type contract address")
	fs.String("certificate-address", "", "certificate contract address")
	fs.Duration("health-check-interval", 30*time.Second, "contract health check interval")
	fs.Duration("health-check-recovery", 5*time.Second, "delay before rebinding an unhealthy contract")
	fs.String("owner-wallet-key", "", "hex private key used for signed contract calls")

	fs.Duration("poll-interval", 4*time.Second, "log poll interval in http mode")
	fs.Uint64("from-block", 0, "first block to poll when no checkpoint exists, 0 means latest")
	fs.Uint64("batch-size", 2000, "blocks per eth_getLogs request")
	fs.Int("max-retries", 5, "maximum eth_getLogs retry attempts")
	fs.Duration("retry-backoff", 500*time.Millisecond, "initial eth_getLogs retry backoff")
	fs.String("checkpoint", "./data/checkpoint.json", "checkpoint file path, or \"postgres\" for the indexer_state table")
	fs.Bool("checkpoint-enabled", true, "enable checkpointing")

	addQueueFlags(fs)
	fs.Int("queue-concurrency", 4, "concurrent job workers")
	fs.Int("job-max-attempts", 5, "attempts before a job moves to the failed set")
	fs.Duration("job-backoff", 2*time.Second, "base retry delay")
	fs.Duration("job-max-backoff", 5*time.Minute, "maximum retry delay")
	fs.Duration("job-retention", 7*24*time.Hour, "how long completed jobs are kept for deduplication")
	fs.String("event-journal", "", "append every queued event to this JSONL file, empty disables")

	fs.String("listen", ":8080", "http listen address")
	fs.StringSlice("webhook-signing-keys", nil, "webhook signing keys as contract=key (organization, certificate-type, certificate)")
	fs.Float64("webhook-rate-limit", 20, "webhook requests per second per client IP, 0 disables")
	fs.Int("webhook-rate-burst", 40, "webhook rate limit burst")
	fs.String("admin-password", "", "basic auth password for the admin user on /admin, empty disables the admin routes")

	fs.String("pg-dsn", "", "Postgres DSN")
}

func addQueueFlags(fs *pflag.FlagSet) {
	fs.String("queue-driver", "redis", "job queue driver (redis, river)")
	fs.String("redis-url", "redis://localhost:6379/0", "Redis URL for the redis driver")
	fs.String("queue-prefix", "certsync", "Redis key prefix")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
