package chain

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"certsync/internal/metrics"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateUnhealthy
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateUnhealthy:
		return "unhealthy"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ManagerConfig holds connection and heartbeat settings.
type ManagerConfig struct {
	Mode              Mode
	URL               string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxMissed         int
	ReconnectDelay    time.Duration
}

// Status is a point-in-time view of the connection.
type Status struct {
	Mode       Mode   `json:"mode"`
	State      string `json:"state"`
	Generation uint64 `json:"generation"`
	LastError  string `json:"last_error,omitempty"`
}

// Manager owns the single connection to the chain node and replaces it when it dies.
type Manager struct {
	cfg     ManagerConfig
	dial    Dialer
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu         sync.RWMutex
	handle     Handle
	generation uint64
	state      State
	lastErr    error
	runCtx     context.Context
	stopHB     context.CancelFunc
	onConnect  []func(Handle)

	reconnecting atomic.Bool
	wg           sync.WaitGroup
}

// NewManager builds a Manager. A nil dialer defaults to Dial.
func NewManager(cfg ManagerConfig, dial Dialer, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dial == nil {
		dial = Dial
	}
	if cfg.MaxMissed <= 0 {
		cfg.MaxMissed = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = cfg.HeartbeatInterval / 2
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		dial:    dial,
		logger:  logger.Named("rpc"),
		metrics: m,
	}
}

// Start dials the node. The context bounds every later heartbeat and reconnect.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	m.setState(StateConnecting)
	h, err := m.dial(ctx, m.cfg.Mode, m.cfg.URL)
	if err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.setState(StateDisconnected)
		return &ConnectionError{State: StateDisconnected, Err: err}
	}
	m.install(h)
	return nil
}

// OnConnect registers fn to run with every newly installed handle after the first.
func (m *Manager) OnConnect(fn func(Handle)) {
	m.mu.Lock()
	m.onConnect = append(m.onConnect, fn)
	m.mu.Unlock()
}

// Handle returns the current live handle.
func (m *Manager) Handle() (Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.handle != nil {
		return m.handle, nil
	}
	if m.generation == 0 {
		return nil, ErrNotInitialized
	}
	return nil, &ConnectionError{State: m.state, Err: ErrDisconnected}
}

// Status reports mode, state and generation of the connection.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{
		Mode:       m.cfg.Mode,
		State:      m.state.String(),
		Generation: m.generation,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// ReportFailure tells the Manager that h failed. Reports about a handle that
// has already been replaced are ignored, as are reports made while a
// reconnect is in flight.
func (m *Manager) ReportFailure(h Handle, err error) {
	m.mu.Lock()
	if h == nil || h != m.handle {
		m.mu.Unlock()
		return
	}
	if !m.reconnecting.CompareAndSwap(false, true) {
		m.mu.Unlock()
		return
	}
	m.handle = nil
	m.lastErr = err
	if m.stopHB != nil {
		m.stopHB()
		m.stopHB = nil
	}
	m.setStateLocked(StateUnhealthy)
	ctx := m.runCtx
	m.mu.Unlock()

	m.logger.Warn("connection lost", zap.Error(err))
	h.Close()

	m.wg.Add(1)
	go m.reconnect(ctx)
}

// Close stops heartbeat and reconnect loops and closes the handle.
// Cancel the Start context before calling Close when a reconnect may be pending.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.stopHB != nil {
		m.stopHB()
		m.stopHB = nil
	}
	h := m.handle
	m.handle = nil
	m.mu.Unlock()

	m.wg.Wait()
	if h != nil {
		h.Close()
	}
	m.setState(StateDisconnected)
}

func (m *Manager) reconnect(ctx context.Context) {
	defer m.wg.Done()

	m.metrics.IncReconnect()
	for attempt := 1; ; attempt++ {
		m.setState(StateReconnecting)

		timer := time.NewTimer(m.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.reconnecting.Store(false)
			m.setState(StateDisconnected)
			return
		case <-timer.C:
		}

		m.setState(StateConnecting)
		h, err := m.dial(ctx, m.cfg.Mode, m.cfg.URL)
		if err != nil {
			m.mu.Lock()
			m.lastErr = err
			m.mu.Unlock()
			m.logger.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		m.logger.Info("reconnected", zap.Int("attempt", attempt))
		m.install(h)
		return
	}
}

// install makes h the live handle, starts its heartbeat and clears the reconnect guard.
func (m *Manager) install(h Handle) {
	m.mu.Lock()
	m.handle = h
	m.generation++
	m.lastErr = nil
	m.setStateLocked(StateConnected)
	first := m.generation == 1
	hooks := append([]func(Handle){}, m.onConnect...)

	if h.SupportsSubscriptions() && m.runCtx != nil {
		hbCtx, cancel := context.WithCancel(m.runCtx)
		m.stopHB = cancel
		m.wg.Add(1)
		go m.heartbeat(hbCtx, h)
	}
	m.reconnecting.Store(false)
	m.mu.Unlock()

	if first {
		return
	}
	for _, fn := range hooks {
		fn(h)
	}
}

func (m *Manager) heartbeat(ctx context.Context, h Handle) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatTimeout)
		err := h.Ping(probeCtx)
		cancel()
		if err == nil {
			missed = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}

		missed++
		m.metrics.IncHeartbeatMiss()
		m.logger.Warn("heartbeat missed", zap.Int("missed", missed), zap.Int("max_missed", m.cfg.MaxMissed), zap.Error(err))
		if missed >= m.cfg.MaxMissed {
			m.ReportFailure(h, fmt.Errorf("heartbeat: %d probes missed: %w", missed, err))
			return
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.setStateLocked(s)
	m.mu.Unlock()
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug("connection state", zap.Stringer("from", m.state), zap.Stringer("to", s))
	m.state = s
	m.metrics.SetConnectionState(s.String())
}
