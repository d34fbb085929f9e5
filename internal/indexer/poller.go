package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// LogSource is the subset of a chain handle the poller needs.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// CheckpointStore persists the last processed block per poller name.
type CheckpointStore interface {
	Load(ctx context.Context, name string) (uint64, bool, error)
	Save(ctx context.Context, name string, block uint64) error
}

// ErrDelivery marks a poll stopped because the sink rejected a log. The
// checkpoint is left in place and the range is fetched again on the next tick.
var ErrDelivery = errors.New("log delivery failed")

// Sink receives polled logs in order. An error stops the current range.
type Sink func(types.Log) error

// PollConfig holds runtime settings for a poller.
type PollConfig struct {
	Name         string
	Address      common.Address
	Topic0       []common.Hash
	FromBlock    uint64
	BatchSize    uint64
	Interval     time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// Poller streams logs for one contract by polling eth_getLogs over block ranges.
// It stands in for push subscriptions when the transport is request-response.
type Poller struct {
	cfg         PollConfig
	source      LogSource
	checkpoints CheckpointStore
	logger      *zap.Logger

	next    uint64
	started bool
	seen    map[string]uint64
}

// NewPoller builds a Poller. checkpoints may be nil.
func NewPoller(cfg PollConfig, source LogSource, checkpoints CheckpointStore, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 2000
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 4 * time.Second
	}
	return &Poller{
		cfg:         cfg,
		source:      source,
		checkpoints: checkpoints,
		logger:      logger.With(zap.String("poller", cfg.Name)),
		seen:        make(map[string]uint64),
	}
}

// Run polls until ctx is done or a range cannot be fetched after retries.
// Delivery failures are retried on the next tick.
func (p *Poller) Run(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := p.PollOnce(ctx, sink); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, ErrDelivery) {
				return err
			}
			p.logger.Warn("delivery failed, range will be polled again", zap.Uint64("from", p.next), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce fetches every block from the cursor up to the current head.
func (p *Poller) PollOnce(ctx context.Context, sink Sink) error {
	var latest uint64
	err := withRetry(ctx, p.cfg.MaxRetries, p.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		latest, err = p.source.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("get latest block: %w", err)
	}

	if !p.started {
		if err := p.resume(ctx, latest); err != nil {
			return err
		}
	}

	from := p.next
	if from > latest {
		return nil
	}

	ranges, err := Windows(from, latest, p.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, blockRange := range ranges {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		logs, err := p.filterLogsWithRetry(ctx, blockRange.From, blockRange.To)
		if err != nil {
			return fmt.Errorf("filter logs: %w", err)
		}

		emitted := 0
		for _, log := range logs {
			if log.Removed {
				continue
			}
			id := logID(log)
			if _, ok := p.seen[id]; ok {
				continue
			}
			if err := sink(log); err != nil {
				return fmt.Errorf("%w: block %d tx %s: %w", ErrDelivery, log.BlockNumber, log.TxHash.Hex(), err)
			}
			p.seen[id] = log.BlockNumber
			emitted++
		}

		p.next = blockRange.To + 1
		if p.checkpoints != nil {
			if err := p.checkpoints.Save(ctx, p.cfg.Name, blockRange.To); err != nil {
				return fmt.Errorf("save checkpoint: %w", err)
			}
		}
		p.prune(blockRange.From)

		if emitted > 0 {
			p.logger.Debug("range complete", zap.Int("logs", emitted), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
		}
	}

	return nil
}

func (p *Poller) resume(ctx context.Context, latest uint64) error {
	p.started = true
	p.next = latest + 1
	if p.cfg.FromBlock > 0 {
		p.next = p.cfg.FromBlock
	}

	if p.checkpoints == nil {
		return nil
	}
	last, ok, err := p.checkpoints.Load(ctx, p.cfg.Name)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if ok && last+1 > p.cfg.FromBlock {
		p.next = last + 1
		p.logger.Info("resume from checkpoint", zap.Uint64("last_processed", last), zap.Uint64("from", p.next))
	}
	return nil
}

func (p *Poller) filterLogsWithRetry(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{p.cfg.Address},
	}
	if len(p.cfg.Topic0) > 0 {
		query.Topics = [][]common.Hash{p.cfg.Topic0}
	}

	var logs []types.Log
	err := withRetry(ctx, p.cfg.MaxRetries, p.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		logs, err = p.source.FilterLogs(ctx, query)
		if err != nil {
			p.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", fromBlock), zap.Uint64("to", toBlock))
		}
		return err
	})
	return logs, err
}

func logID(log types.Log) string {
	return fmt.Sprintf("%d:%s:%d", log.BlockNumber, log.TxHash.Hex(), log.Index)
}

func (p *Poller) prune(below uint64) {
	for id, block := range p.seen {
		if block < below {
			delete(p.seen, id)
		}
	}
}
