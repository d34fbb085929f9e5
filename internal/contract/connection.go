package contract

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"certsync/internal/chain"
	"certsync/internal/indexer"
	"certsync/internal/metrics"
)

// Provider returns the current live chain handle.
type Provider func() (chain.Handle, error)

// FailureReporter is told about transport errors seen on a handle.
type FailureReporter func(h chain.Handle, err error)

// Config describes one deployed contract and how to watch it.
type Config struct {
	Name                string
	Address             common.Address
	ABI                 abi.ABI
	HealthCheckInterval time.Duration
	RecoveryDelay       time.Duration
	Poll                indexer.PollConfig
	Checkpoints         indexer.CheckpointStore
}

// Binding is an address and ABI bound to one chain handle. It is replaced, never mutated.
type Binding struct {
	handle   chain.Handle
	contract *bind.BoundContract
	boundAt  time.Time
}

// Handle returns the chain handle the binding was built against.
func (b *Binding) Handle() chain.Handle {
	return b.handle
}

// Connection keeps a contract binding bound to the live connection and
// rebuilds it when its health check fails.
type Connection struct {
	cfg      Config
	provider Provider
	report   FailureReporter
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	binding  *Binding
	healthy  bool
	onRebind []func(common.Address)

	rebindMu sync.Mutex
	wg       sync.WaitGroup
}

// Subscription is a live log subscription on a binding.
type Subscription interface {
	Unsubscribe()
}

// NewConnection binds the contract against the current handle.
func NewConnection(cfg Config, provider Provider, report FailureReporter, logger *zap.Logger, m *metrics.Metrics) (*Connection, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.RecoveryDelay <= 0 {
		cfg.RecoveryDelay = 5 * time.Second
	}
	c := &Connection{
		cfg:      cfg,
		provider: provider,
		report:   report,
		logger:   logger.Named("contract").With(zap.String("contract", cfg.Name), zap.String("address", cfg.Address.Hex())),
		metrics:  m,
	}

	h, err := provider()
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", cfg.Name, err)
	}
	c.binding = c.bind(h)
	c.healthy = true
	c.metrics.SetContractHealthy(cfg.Name, true)
	return c, nil
}

func (c *Connection) Name() string {
	return c.cfg.Name
}

func (c *Connection) Address() common.Address {
	return c.cfg.Address
}

func (c *Connection) ABI() abi.ABI {
	return c.cfg.ABI
}

// Healthy reports whether the last health check succeeded.
func (c *Connection) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// Binding returns the current binding.
func (c *Connection) Binding() *Binding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.binding
}

// OnRebind registers fn to run after every rebind with the contract address.
func (c *Connection) OnRebind(fn func(common.Address)) {
	c.mu.Lock()
	c.onRebind = append(c.onRebind, fn)
	c.mu.Unlock()
}

// Start runs the health loop until ctx is done.
func (c *Connection) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.healthLoop(ctx)
}

// Wait blocks until the health loop and all subscriptions have exited.
func (c *Connection) Wait() {
	c.wg.Wait()
}

// Rebind rebuilds the binding against the current handle and notifies OnRebind
// hooks. It is a no-op when the binding is healthy and already on that handle.
func (c *Connection) Rebind(ctx context.Context) error {
	c.rebindMu.Lock()
	defer c.rebindMu.Unlock()

	h, err := c.provider()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.healthy && c.binding != nil && c.binding.handle == h {
		c.mu.Unlock()
		return nil
	}
	c.binding = c.bind(h)
	c.healthy = true
	hooks := append([]func(common.Address){}, c.onRebind...)
	c.mu.Unlock()

	c.metrics.SetContractHealthy(c.cfg.Name, true)
	c.metrics.IncRebind(c.cfg.Name)
	c.logger.Info("contract rebound")

	for _, fn := range hooks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fn(c.cfg.Address)
	}
	return nil
}

func (c *Connection) bind(h chain.Handle) *Binding {
	return &Binding{
		handle:   h,
		contract: bind.NewBoundContract(c.cfg.Address, c.cfg.ABI, h, h, h),
		boundAt:  time.Now(),
	}
}

func (c *Connection) markUnhealthy(b *Binding, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.binding != b {
		return false
	}
	c.healthy = false
	c.metrics.SetContractHealthy(c.cfg.Name, false)
	c.logger.Warn("contract health check failed", zap.Error(err))
	return true
}

func (c *Connection) healthLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		if !c.watchHealth(ctx) {
			return
		}

		timer := time.NewTimer(c.cfg.RecoveryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := c.Rebind(ctx); err != nil {
			c.logger.Warn("contract rebind failed", zap.Error(err))
		}
	}
}

// watchHealth checks the binding every interval. It returns true when a check
// failed and false when ctx is done.
func (c *Connection) watchHealth(ctx context.Context) bool {
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		b := c.Binding()
		checkCtx, cancel := context.WithTimeout(ctx, c.cfg.HealthCheckInterval)
		_, err := b.handle.BlockNumber(checkCtx)
		cancel()
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return false
		}
		if c.markUnhealthy(b, err) {
			return true
		}
	}
}

// Sink consumes one log. A polled log whose sink fails is fetched again.
type Sink func(types.Log) error

// Subscribe delivers every log of eventName to sink until ctx is done or the
// subscription is unsubscribed. Socket handles use push notifications and run
// each delivery on its own goroutine. Request-response handles poll block
// ranges and only advance the checkpoint past logs the sink accepted.
func (c *Connection) Subscribe(ctx context.Context, eventName string, sink Sink) (Subscription, error) {
	event, ok := c.cfg.ABI.Events[eventName]
	if !ok {
		return nil, fmt.Errorf("contract %s has no event %s", c.cfg.Name, eventName)
	}

	b := c.Binding()
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, done: make(chan struct{})}

	if b.handle.SupportsSubscriptions() {
		logs, evSub, err := b.contract.WatchLogs(&bind.WatchOpts{Context: subCtx}, eventName)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("watch %s.%s: %w", c.cfg.Name, eventName, err)
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer close(sub.done)
			defer evSub.Unsubscribe()
			for {
				select {
				case <-subCtx.Done():
					return
				case log := <-logs:
					c.wg.Add(1)
					go func() {
						defer c.wg.Done()
						if err := sink(log); err != nil {
							c.logger.Warn("pushed log not delivered",
								zap.String("event", eventName),
								zap.String("tx_hash", log.TxHash.Hex()),
								zap.Error(err),
							)
						}
					}()
				case err, ok := <-evSub.Err():
					if ok && err != nil && subCtx.Err() == nil {
						c.logger.Warn("log subscription dropped", zap.String("event", eventName), zap.Error(err))
						if c.report != nil {
							c.report(b.handle, err)
						}
					}
					return
				}
			}
		}()
		return sub, nil
	}

	pollCfg := c.cfg.Poll
	pollCfg.Name = c.cfg.Name + ":" + eventName
	pollCfg.Address = c.cfg.Address
	pollCfg.Topic0 = []common.Hash{event.ID}
	poller := indexer.NewPoller(pollCfg, b.handle, c.cfg.Checkpoints, c.logger)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(sub.done)
		if err := poller.Run(subCtx, indexer.Sink(sink)); err != nil && subCtx.Err() == nil {
			c.logger.Warn("log poller stopped", zap.String("event", eventName), zap.Error(err))
			if c.report != nil {
				c.report(b.handle, err)
			}
		}
	}()
	return sub, nil
}

// Decode returns the positional arguments of log for eventName.
func (c *Connection) Decode(eventName string, log types.Log) ([]interface{}, error) {
	event, ok := c.cfg.ABI.Events[eventName]
	if !ok {
		return nil, fmt.Errorf("contract %s has no event %s", c.cfg.Name, eventName)
	}
	return DecodeLog(event, log)
}

// EventName returns the name of the ABI event log was emitted as.
func (c *Connection) EventName(log types.Log) (string, bool) {
	event, ok := EventByTopic(c.cfg.ABI, log)
	if !ok {
		return "", false
	}
	return event.Name, true
}

// BlockTimestamp returns the timestamp of block number on the current handle.
func (c *Connection) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	return c.Binding().handle.BlockTimestamp(ctx, number)
}

// Transact signs and submits a call to method with a key derived from
// privateKeyHex. It returns once the node has accepted the transaction for
// broadcast, not once it is mined.
func (c *Connection) Transact(ctx context.Context, privateKeyHex, method string, args ...interface{}) (common.Hash, error) {
	fail := func(step string, err error) (common.Hash, error) {
		return common.Hash{}, &CallFailedError{Contract: c.cfg.Name, Method: method, Context: step, Err: err}
	}

	key, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return fail("derive signer", err)
	}

	b := c.Binding()
	chainID, err := b.handle.ChainID(ctx)
	if err != nil {
		return fail("chain id", err)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return fail("build transactor", err)
	}
	opts.Context = ctx

	signed := bind.NewBoundContract(c.cfg.Address, c.cfg.ABI, b.handle, b.handle, b.handle)
	tx, err := signed.Transact(opts, method, args...)
	if err != nil {
		return fail("submit", err)
	}

	c.logger.Info("transaction submitted", zap.String("method", method), zap.String("tx_hash", tx.Hash().Hex()))
	return tx.Hash(), nil
}

func parsePrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if privateKeyHex == "" {
		return nil, fmt.Errorf("private key is not configured")
	}
	return crypto.HexToECDSA(privateKeyHex)
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *subscription) Unsubscribe() {
	s.cancel()
	<-s.done
}
