// Package onchain wires the platform contracts to the listener registry and
// the ingestion queue, and submits their signed writes.
package onchain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"certsync/internal/contract"
	"certsync/internal/listener"
	"certsync/internal/model"
	"certsync/internal/queue"
)

// Names the contracts register under. They double as listener owners.
const (
	OrganizationName    = "Organization"
	CertificateTypeName = "CertificateType"
	CertificateName     = "Certificate"
)

// Connection is the subset of contract.Connection the services use.
type Connection interface {
	listener.Source
	Transact(ctx context.Context, privateKeyHex, method string, args ...interface{}) (common.Hash, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
}

var _ Connection = (*contract.Connection)(nil)

type service struct {
	conn      Connection
	jobs      queue.Enqueuer
	signerKey string
	logger    *zap.Logger
}

func newService(name string, conn Connection, jobs queue.Enqueuer, signerKey string, logger *zap.Logger) service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return service{
		conn:      conn,
		jobs:      jobs,
		signerKey: signerKey,
		logger:    logger.Named("onchain").With(zap.String("contract", name)),
	}
}

// Source returns the contract as a listener source.
func (s *service) Source() listener.Source {
	return s.conn
}

func (s *service) register(reg *listener.Registry, owner string, handlers []eventHandler) error {
	if err := reg.RegisterContract(s.conn); err != nil {
		return err
	}
	for _, h := range handlers {
		err := reg.Register(listener.Descriptor{
			Owner:     owner,
			EventName: h.event,
			Contract:  s.conn.Address(),
			Params:    h.params,
			Handler:   h.fn,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

type eventHandler struct {
	event  string
	params []string
	fn     listener.Handler
}

func (s *service) enqueue(ctx context.Context, kind model.JobKind, ev listener.Event, payload any) error {
	key := queue.IdempotencyKey(kind, ev.TxHash())
	created, err := s.jobs.Enqueue(ctx, kind, key, payload)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", key, err)
	}
	if created {
		s.logger.Info("event queued",
			zap.String("event", ev.Name),
			zap.String("job", key),
			zap.Uint64("block", ev.Log.BlockNumber),
		)
	}
	return nil
}

func (s *service) transact(ctx context.Context, method string, args ...interface{}) (string, error) {
	hash, err := s.conn.Transact(ctx, s.signerKey, method, args...)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// blockTime returns the unix time of the block ev was mined in, or zero when
// the node cannot tell.
func (s *service) blockTime(ctx context.Context, ev listener.Event) int64 {
	ts, err := s.conn.BlockTimestamp(ctx, ev.Log.BlockNumber)
	if err != nil {
		s.logger.Warn("block timestamp unavailable", zap.Uint64("block", ev.Log.BlockNumber), zap.Error(err))
		return 0
	}
	return int64(ts)
}

func stringArg(ev listener.Event, name string) (string, error) {
	value, ok := ev.Args[name]
	if !ok {
		return "", fmt.Errorf("%s: missing argument %s", ev.Name, name)
	}
	return asString(value)
}

func optionalString(ev listener.Event, name string) string {
	value, ok := ev.Args[name]
	if !ok {
		return ""
	}
	s, err := asString(value)
	if err != nil {
		return ""
	}
	return s
}

func addressArg(ev listener.Event, name string) string {
	value, ok := ev.Args[name]
	if !ok {
		return ""
	}
	addr, err := asAddress(value)
	if err != nil {
		return ""
	}
	return addr.Hex()
}

func asString(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case common.Hash:
		return v.Hex(), nil
	case []byte:
		return string(v), nil
	case *big.Int:
		return v.String(), nil
	default:
		return "", fmt.Errorf("unexpected string type %T", value)
	}
}

func asAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		if v == nil {
			return common.Address{}, fmt.Errorf("nil address")
		}
		return *v, nil
	case string:
		if !common.IsHexAddress(v) {
			return common.Address{}, fmt.Errorf("invalid address %q", v)
		}
		return common.HexToAddress(v), nil
	default:
		return common.Address{}, fmt.Errorf("unexpected address type %T", value)
	}
}

func emptyField(s string) string {
	if strings.TrimSpace(s) == "" {
		return emptyFieldReplacement
	}
	return s
}
