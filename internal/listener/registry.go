package listener

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"certsync/internal/contract"
	"certsync/internal/metrics"
)

var (
	ErrSealed            = errors.New("listener registry is sealed")
	ErrUnknownContract   = errors.New("unknown contract")
	ErrAmbiguousContract = errors.New("descriptor has no contract address and more than one contract is registered")
)

// Source is a contract the registry can subscribe to.
type Source interface {
	Name() string
	Address() common.Address
	// Subscribe feeds logs to sink. Pushed logs arrive on their own
	// goroutines; polled logs are fetched again while sink fails.
	Subscribe(ctx context.Context, eventName string, sink contract.Sink) (contract.Subscription, error)
	Decode(eventName string, log types.Log) ([]interface{}, error)
	EventName(log types.Log) (string, bool)
}

// Event is a decoded contract event handed to a Handler.
type Event struct {
	Name     string
	Contract common.Address
	// Args maps the descriptor's parameter names onto the decoded values.
	// Names past the last decoded value are absent.
	Args   map[string]interface{}
	Values []interface{}
	Log    types.Log
}

// TxHash is the hex hash of the transaction that emitted the event.
func (e Event) TxHash() string {
	return e.Log.TxHash.Hex()
}

// Handler processes one event.
type Handler func(ctx context.Context, ev Event) error

// Descriptor binds a handler to a contract event.
type Descriptor struct {
	Owner     string
	EventName string
	// Contract is optional when exactly one contract is registered.
	Contract common.Address
	Params   []string
	Handler  Handler
}

// Key identifies the descriptor as Owner.EventName.
func (d Descriptor) Key() string {
	return d.Owner + "." + d.EventName
}

// Listener describes a live subscription.
type Listener struct {
	Key      string         `json:"key"`
	Event    string         `json:"event"`
	Contract common.Address `json:"contract"`
}

type liveSub struct {
	desc Descriptor
	sub  contract.Subscription
}

// Registry holds the contract and handler table and owns every live subscription.
type Registry struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu          sync.RWMutex
	sources     map[common.Address]Source
	order       []common.Address
	descriptors []Descriptor
	sealed      bool
	live        map[common.Address][]liveSub
	baseCtx     context.Context

	subMu    sync.Mutex
	handlers sync.WaitGroup
}

func NewRegistry(logger *zap.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:  logger.Named("listener"),
		metrics: m,
		sources: make(map[common.Address]Source),
		live:    make(map[common.Address][]liveSub),
	}
}

// RegisterContract adds a contract to the table.
func (r *Registry) RegisterContract(src Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	addr := src.Address()
	if _, ok := r.sources[addr]; ok {
		return fmt.Errorf("contract %s already registered", addr.Hex())
	}
	r.sources[addr] = src
	r.order = append(r.order, addr)
	return nil
}

// Register adds an event handler descriptor to the table.
func (r *Registry) Register(d Descriptor) error {
	if d.EventName == "" || d.Handler == nil {
		return fmt.Errorf("descriptor %s: event name and handler are required", d.Key())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	r.descriptors = append(r.descriptors, d)
	return nil
}

// SubscribeAll seals the table, resolves descriptor addresses and attaches one
// subscription per descriptor. ctx bounds every subscription made later by
// Resubscribe as well.
func (r *Registry) SubscribeAll(ctx context.Context) error {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.mu.Lock()
	if r.sealed {
		r.mu.Unlock()
		return ErrSealed
	}
	r.sealed = true
	r.baseCtx = ctx

	var errs []error
	resolved := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		addr, err := r.resolveLocked(d)
		if err != nil {
			errs = append(errs, fmt.Errorf("descriptor %s: %w", d.Key(), err))
			continue
		}
		d.Contract = addr
		resolved = append(resolved, d)
	}
	r.descriptors = resolved
	r.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		return err
	}

	for _, addr := range r.addresses() {
		if err := r.attach(ctx, addr); err != nil {
			return err
		}
	}
	r.logger.Info("listeners subscribed", zap.Int("listeners", r.count()))
	return nil
}

// Resubscribe detaches every live subscription for addr and attaches fresh
// ones from the same descriptors. Other contracts are untouched.
func (r *Registry) Resubscribe(addr common.Address) error {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.mu.RLock()
	ctx := r.baseCtx
	_, known := r.sources[addr]
	r.mu.RUnlock()
	if ctx == nil {
		return fmt.Errorf("resubscribe before SubscribeAll")
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownContract, addr.Hex())
	}

	r.detach(addr)
	if err := r.attach(ctx, addr); err != nil {
		return err
	}
	r.logger.Info("listeners resubscribed", zap.String("contract", addr.Hex()))
	return nil
}

// UnsubscribeAll detaches every live subscription.
func (r *Registry) UnsubscribeAll() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, addr := range r.addresses() {
		r.detach(addr)
	}
}

// ResubscribeAll rebuilds subscriptions for every registered contract.
func (r *Registry) ResubscribeAll() error {
	var errs []error
	for _, addr := range r.addresses() {
		if err := r.Resubscribe(addr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until in-flight handler invocations finish.
func (r *Registry) Wait() {
	r.handlers.Wait()
}

// ActiveListeners lists live subscriptions ordered by key.
func (r *Registry) ActiveListeners() []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Listener, 0)
	for _, addr := range r.order {
		for _, ls := range r.live[addr] {
			out = append(out, Listener{Key: ls.desc.Key() + "@" + addr.Hex(), Event: ls.desc.EventName, Contract: addr})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Descriptors returns a copy of the registered descriptors.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Descriptor(nil), r.descriptors...)
}

// Contracts returns the registered contracts in registration order.
func (r *Registry) Contracts() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, r.sources[addr])
	}
	return out
}

// Match reports which registered event log decodes as for the contract at addr.
func (r *Registry) Match(addr common.Address, log types.Log) (string, bool) {
	r.mu.RLock()
	src, ok := r.sources[addr]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	name, ok := src.EventName(log)
	if !ok {
		return "", false
	}
	if _, err := src.Decode(name, log); err != nil {
		return "", false
	}
	return name, true
}

// Dispatch delivers log synchronously to every descriptor registered for its
// event on addr. It returns the number of handlers invoked and the first error.
func (r *Registry) Dispatch(ctx context.Context, addr common.Address, log types.Log) (int, error) {
	r.mu.RLock()
	src, ok := r.sources[addr]
	descs := r.descriptorsForLocked(addr)
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownContract, addr.Hex())
	}

	name, ok := src.EventName(log)
	if !ok {
		return 0, fmt.Errorf("log does not match any event of %s", src.Name())
	}

	invoked := 0
	var firstErr error
	for _, d := range descs {
		if d.EventName != name {
			continue
		}
		ev, err := r.decode(src, d, log)
		if err != nil {
			return invoked, err
		}
		invoked++
		r.metrics.IncEvent(d.EventName, "relay")
		if err := r.invoke(ctx, d, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return invoked, firstErr
}

func (r *Registry) resolveLocked(d Descriptor) (common.Address, error) {
	if d.Contract != (common.Address{}) {
		if _, ok := r.sources[d.Contract]; !ok {
			return common.Address{}, fmt.Errorf("%w: %s", ErrUnknownContract, d.Contract.Hex())
		}
		return d.Contract, nil
	}
	switch len(r.order) {
	case 0:
		return common.Address{}, ErrUnknownContract
	case 1:
		return r.order[0], nil
	default:
		return common.Address{}, ErrAmbiguousContract
	}
}

func (r *Registry) descriptorsForLocked(addr common.Address) []Descriptor {
	var out []Descriptor
	for _, d := range r.descriptors {
		if d.Contract == addr {
			out = append(out, d)
		}
	}
	return out
}

func (r *Registry) addresses() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]common.Address(nil), r.order...)
}

func (r *Registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, subs := range r.live {
		n += len(subs)
	}
	return n
}

// attach must be called with subMu held.
func (r *Registry) attach(ctx context.Context, addr common.Address) error {
	r.mu.RLock()
	src := r.sources[addr]
	descs := r.descriptorsForLocked(addr)
	r.mu.RUnlock()

	subs := make([]liveSub, 0, len(descs))
	for _, d := range descs {
		d := d
		sub, err := src.Subscribe(ctx, d.EventName, func(log types.Log) error {
			return r.deliver(ctx, src, d, log)
		})
		if err != nil {
			for _, ls := range subs {
				ls.sub.Unsubscribe()
			}
			return fmt.Errorf("subscribe %s on %s: %w", d.Key(), addr.Hex(), err)
		}
		subs = append(subs, liveSub{desc: d, sub: sub})
	}

	r.mu.Lock()
	r.live[addr] = subs
	r.mu.Unlock()
	r.metrics.SetActiveListeners(r.count())
	return nil
}

// detach must be called with subMu held.
func (r *Registry) detach(addr common.Address) {
	r.mu.Lock()
	subs := r.live[addr]
	delete(r.live, addr)
	r.mu.Unlock()

	for _, ls := range subs {
		ls.sub.Unsubscribe()
	}
	r.metrics.SetActiveListeners(r.count())
}

// deliver decodes log and runs the handler, returning its error to the
// source. A log that does not decode is dropped: fetching it again cannot help.
func (r *Registry) deliver(ctx context.Context, src Source, d Descriptor, log types.Log) error {
	ev, err := r.decode(src, d, log)
	if err != nil {
		r.logger.Error("decode event", zap.String("listener", d.Key()), zap.String("tx_hash", log.TxHash.Hex()), zap.Error(err))
		r.metrics.IncHandlerError(d.EventName)
		return nil
	}
	r.metrics.IncEvent(d.EventName, "subscription")

	r.handlers.Add(1)
	defer r.handlers.Done()
	return r.invoke(ctx, d, ev)
}

func (r *Registry) decode(src Source, d Descriptor, log types.Log) (Event, error) {
	values, err := src.Decode(d.EventName, log)
	if err != nil {
		return Event{}, err
	}
	args := make(map[string]interface{}, len(d.Params))
	for i, name := range d.Params {
		if i >= len(values) {
			break
		}
		args[name] = values[i]
	}
	return Event{
		Name:     d.EventName,
		Contract: src.Address(),
		Args:     args,
		Values:   values,
		Log:      log,
	}, nil
}

func (r *Registry) invoke(ctx context.Context, d Descriptor, ev Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler %s panicked: %v", d.Key(), p)
			r.logger.Error("handler panic", zap.String("listener", d.Key()), zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
		}
		if err != nil {
			r.metrics.IncHandlerError(d.EventName)
		}
	}()

	if err := d.Handler(ctx, ev); err != nil {
		r.logger.Error("handler failed",
			zap.String("listener", d.Key()),
			zap.String("contract", ev.Contract.Hex()),
			zap.String("tx_hash", ev.TxHash()),
			zap.Error(err),
		)
		return err
	}
	return nil
}
