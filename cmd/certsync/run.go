package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"certsync/internal/api"
	"certsync/internal/chain"
	"certsync/internal/config"
	"certsync/internal/contract"
	"certsync/internal/indexer"
	"certsync/internal/listener"
	"certsync/internal/metrics"
	"certsync/internal/onchain"
	"certsync/internal/queue"
	"certsync/internal/storage"
	"certsync/internal/storage/postgres"
	"certsync/internal/tracker"
	"certsync/internal/webhook"
)

// webhook route names by contract.
var routeNames = map[string]string{
	onchain.OrganizationName:    "organization",
	onchain.CertificateTypeName: "certificate-type",
	onchain.CertificateName:     "certificate",
}

func runSync(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	handlers := tracker.Handlers(
		tracker.NewOrganizationTracker(store, logger, m),
		tracker.NewCertificateTypeTracker(store, logger, m),
		tracker.NewCertificateTracker(store, logger, m),
	)
	q, err := openQueue(ctx, cfg, store, handlers, logger, m)
	if err != nil {
		return err
	}
	defer q.Close()

	manager := chain.NewManager(chain.ManagerConfig{
		Mode:              chain.Mode(cfg.RPC.Mode),
		URL:               cfg.RPC.EndpointURL(),
		HeartbeatInterval: cfg.RPC.HeartbeatInterval,
		HeartbeatTimeout:  cfg.RPC.HeartbeatTimeout,
		MaxMissed:         cfg.RPC.HeartbeatMaxMiss,
		ReconnectDelay:    cfg.RPC.ReconnectDelay,
	}, nil, logger, m)
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer manager.Close()

	var jobs queue.Enqueuer = q
	if cfg.Queue.Journal != "" {
		jobs = queue.NewJournaledEnqueuer(q, storage.NewJSONLJournal(cfg.Queue.Journal), logger)
		logger.Info("event journal enabled", zap.String("path", cfg.Queue.Journal))
	}

	registry := listener.NewRegistry(logger, m)
	conns, err := bindContracts(cfg, manager, checkpointStore(cfg, store), jobs, registry, logger, m)
	if err != nil {
		return err
	}

	for _, conn := range conns {
		conn.OnRebind(func(addr common.Address) {
			if err := registry.Resubscribe(addr); err != nil {
				logger.Error("resubscribe after rebind", zap.String("contract", addr.Hex()), zap.Error(err))
			}
		})
	}
	manager.OnConnect(func(chain.Handle) {
		for _, conn := range conns {
			if err := conn.Rebind(ctx); err != nil {
				logger.Warn("rebind after reconnect", zap.String("contract", conn.Name()), zap.Error(err))
			}
		}
	})

	if err := registry.SubscribeAll(ctx); err != nil {
		return fmt.Errorf("subscribe listeners: %w", err)
	}
	for _, conn := range conns {
		conn.Start(ctx)
	}

	hooks := make(map[string]webhook.Contract, len(conns))
	contracts := make([]api.Contract, 0, len(conns))
	for _, conn := range conns {
		route := routeNames[conn.Name()]
		hooks[route] = webhook.Contract{Address: conn.Address(), SigningKey: cfg.Webhook.SigningKeys[route]}
		contracts = append(contracts, conn)
	}
	server := api.NewServer(api.Config{
		Listen:        cfg.Webhook.Listen,
		RateLimit:     cfg.Webhook.RateLimit,
		RateBurst:     cfg.Webhook.RateBurst,
		AdminPassword: cfg.Webhook.AdminPassword,
	}, api.Deps{
		Connection: manager,
		Contracts:  contracts,
		Listeners:  registry,
		Jobs:       q,
		Store:      store,
		Webhook:    webhook.NewHandler(hooks, registry, logger, m),
		Gatherer:   promReg,
	}, logger)

	logger.Info("certsync start",
		zap.String("rpc_mode", cfg.RPC.Mode),
		zap.String("queue_driver", cfg.Queue.Driver),
		zap.Int("contracts", len(conns)),
		zap.Int("listeners", len(registry.ActiveListeners())),
		zap.String("listen", cfg.Webhook.Listen),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	err = g.Wait()

	stop()
	registry.UnsubscribeAll()
	registry.Wait()
	for _, conn := range conns {
		conn.Wait()
	}
	logger.Info("certsync stopped")
	return err
}

type registrar interface {
	Register(reg *listener.Registry) error
}

// bindContracts connects every configured contract and registers its handlers.
func bindContracts(cfg config.Config, manager *chain.Manager, checkpoints indexer.CheckpointStore, jobs queue.Enqueuer, registry *listener.Registry, logger *zap.Logger, m *metrics.Metrics) ([]*contract.Connection, error) {
	addresses := []struct {
		name    string
		address string
	}{
		{onchain.OrganizationName, cfg.Contracts.Organization},
		{onchain.CertificateTypeName, cfg.Contracts.CertificateType},
		{onchain.CertificateName, cfg.Contracts.Certificate},
	}

	var conns []*contract.Connection
	for _, a := range addresses {
		if a.address == "" {
			continue
		}
		addr, err := indexer.ParseAddress(a.address)
		if err != nil {
			return nil, fmt.Errorf("%s address: %w", a.name, err)
		}
		contractABI, err := onchain.ABIFor(a.name)
		if err != nil {
			return nil, err
		}

		conn, err := contract.NewConnection(contract.Config{
			Name:                a.name,
			Address:             addr,
			ABI:                 contractABI,
			HealthCheckInterval: cfg.Contracts.HealthCheckInterval,
			RecoveryDelay:       cfg.Contracts.HealthCheckRecovery,
			Poll: indexer.PollConfig{
				FromBlock:    cfg.Poller.FromBlock,
				BatchSize:    cfg.Poller.BatchSize,
				Interval:     cfg.Poller.Interval,
				MaxRetries:   cfg.Poller.MaxRetries,
				RetryBackoff: cfg.Poller.RetryBackoff,
			},
			Checkpoints: checkpoints,
		}, manager.Handle, manager.ReportFailure, logger, m)
		if err != nil {
			return nil, err
		}

		var svc registrar
		switch a.name {
		case onchain.OrganizationName:
			svc = onchain.NewOrganizationContract(conn, jobs, cfg.Contracts.OwnerWalletKey, logger)
		case onchain.CertificateTypeName:
			svc = onchain.NewCertificateTypeContract(conn, jobs, cfg.Contracts.OwnerWalletKey, logger)
		case onchain.CertificateName:
			svc = onchain.NewCertificateContract(conn, jobs, logger)
		}
		if err := svc.Register(registry); err != nil {
			return nil, fmt.Errorf("register %s: %w", a.name, err)
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

func checkpointStore(cfg config.Config, store *postgres.Store) indexer.CheckpointStore {
	if strings.EqualFold(cfg.Poller.Checkpoint, "postgres") {
		if !cfg.Poller.CheckpointEnabled {
			return nil
		}
		return store.Checkpoints()
	}
	return indexer.NewFileCheckpointStore(cfg.Poller.Checkpoint, cfg.Poller.CheckpointEnabled)
}

func queueOptions(cfg config.Config) queue.Options {
	return queue.Options{
		Concurrency: cfg.Queue.Concurrency,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     queue.Backoff{Base: cfg.Queue.Backoff, Max: cfg.Queue.MaxBackoff},
		Retention:   cfg.Queue.Retention,
	}
}

// openQueue builds the configured driver. handlers may be nil for
// enqueue-only and operator use.
func openQueue(ctx context.Context, cfg config.Config, store *postgres.Store, handlers queue.Handlers, logger *zap.Logger, m *metrics.Metrics) (queue.Queue, error) {
	switch cfg.Queue.Driver {
	case "redis":
		client, err := queue.OpenRedis(ctx, cfg.Queue.RedisURL)
		if err != nil {
			return nil, err
		}
		return queue.NewRedisQueue(client, cfg.Queue.Prefix, handlers, queueOptions(cfg), logger, m), nil
	case "river":
		if store == nil {
			return nil, fmt.Errorf("river queue driver requires pg-dsn")
		}
		return queue.NewRiverQueue(store.Pool(), handlers, queueOptions(cfg), logger, m)
	default:
		return nil, fmt.Errorf("unsupported queue-driver %q", cfg.Queue.Driver)
	}
}
