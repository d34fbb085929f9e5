// Package chaintest provides an in-memory chain.Handle for tests.
package chaintest

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Handle is a scriptable chain.Handle. Use the setters once the handle is shared.
type Handle struct {
	ID            int
	Subscriptions bool

	mu       sync.Mutex
	pingErr  error
	blockErr error
	head     uint64
	logs     []types.Log
	subs     []*Subscription
	sent     []*types.Transaction
	closed   bool
	pings    int
	filtered []ethereum.FilterQuery
}

// New returns a healthy handle at block 100.
func New(id int, subscriptions bool) *Handle {
	return &Handle{ID: id, Subscriptions: subscriptions, head: 100}
}

func (h *Handle) SetPingErr(err error) {
	h.mu.Lock()
	h.pingErr = err
	h.mu.Unlock()
}

func (h *Handle) SetBlockErr(err error) {
	h.mu.Lock()
	h.blockErr = err
	h.mu.Unlock()
}

func (h *Handle) SetHead(n uint64) {
	h.mu.Lock()
	h.head = n
	h.mu.Unlock()
}

// AddLogs makes logs visible to FilterLogs.
func (h *Handle) AddLogs(logs ...types.Log) {
	h.mu.Lock()
	h.logs = append(h.logs, logs...)
	h.mu.Unlock()
}

func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) Pings() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pings
}

func (h *Handle) Sent() []*types.Transaction {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*types.Transaction(nil), h.sent...)
}

func (h *Handle) FilterQueries() []ethereum.FilterQuery {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ethereum.FilterQuery(nil), h.filtered...)
}

// ActiveSubscriptions counts log subscriptions that have not been unsubscribed.
func (h *Handle) ActiveSubscriptions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.subs {
		s.mu.Lock()
		if !s.done {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// Emit delivers log to every live subscription whose filter matches it.
func (h *Handle) Emit(log types.Log) int {
	h.mu.Lock()
	subs := append([]*Subscription(nil), h.subs...)
	h.mu.Unlock()

	delivered := 0
	for _, s := range subs {
		if s.matches(log) && s.send(log) {
			delivered++
		}
	}
	return delivered
}

// Drop fails every live subscription with err, as a dropped socket would.
func (h *Handle) Drop(err error) {
	h.mu.Lock()
	subs := append([]*Subscription(nil), h.subs...)
	h.mu.Unlock()
	for _, s := range subs {
		s.fail(err)
	}
}

func (h *Handle) Close() {
	h.mu.Lock()
	h.closed = true
	subs := append([]*Subscription(nil), h.subs...)
	h.mu.Unlock()
	for _, s := range subs {
		s.fail(errors.New("connection closed"))
	}
}

func (h *Handle) Ping(ctx context.Context) error {
	h.mu.Lock()
	h.pings++
	err := h.pingErr
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return errors.New("connection closed")
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (h *Handle) SupportsSubscriptions() bool { return h.Subscriptions }

func (h *Handle) BlockNumber(ctx context.Context) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, errors.New("connection closed")
	}
	if h.blockErr != nil {
		return 0, h.blockErr
	}
	return h.head, nil
}

func (h *Handle) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1337), nil
}

func (h *Handle) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	return 1_700_000_000 + number, nil
}

func (h *Handle) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (h *Handle) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, errors.New("calls not supported")
}

func (h *Handle) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	h.mu.Lock()
	head := h.head
	h.mu.Unlock()
	return &types.Header{Number: new(big.Int).SetUint64(head), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (h *Handle) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (h *Handle) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return uint64(len(h.sent)), nil
}

func (h *Handle) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (h *Handle) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (h *Handle) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (h *Handle) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("connection closed")
	}
	h.sent = append(h.sent, tx)
	return nil
}

func (h *Handle) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("connection closed")
	}
	h.filtered = append(h.filtered, q)

	var out []types.Log
	for _, log := range h.logs {
		if q.FromBlock != nil && log.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && log.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if !matchQuery(q, log) {
			continue
		}
		out = append(out, log)
	}
	return out, nil
}

func (h *Handle) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if !h.Subscriptions {
		return nil, errors.New("notifications not supported")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("connection closed")
	}
	s := &Subscription{query: q, ch: ch, errc: make(chan error, 1)}
	h.subs = append(h.subs, s)
	return s, nil
}

// Subscription is a log subscription created by SubscribeFilterLogs.
type Subscription struct {
	query ethereum.FilterQuery
	ch    chan<- types.Log

	mu   sync.Mutex
	errc chan error
	done bool
}

func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	close(s.errc)
}

func (s *Subscription) Err() <-chan error {
	return s.errc
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.errc <- err
	close(s.errc)
}

func (s *Subscription) send(log types.Log) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.ch <- log
	return true
}

func (s *Subscription) matches(log types.Log) bool {
	return matchQuery(s.query, log)
}

func matchQuery(q ethereum.FilterQuery, log types.Log) bool {
	if len(q.Addresses) > 0 {
		found := false
		for _, addr := range q.Addresses {
			if addr == log.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for i, options := range q.Topics {
		if len(options) == 0 {
			continue
		}
		if i >= len(log.Topics) {
			return false
		}
		found := false
		for _, topic := range options {
			if topic == log.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
