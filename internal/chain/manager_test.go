package chain_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certsync/internal/chain"
	"certsync/internal/chain/chaintest"
)

type recordingDialer struct {
	mu      sync.Mutex
	handles []*chaintest.Handle
	failN   int
	socket  bool
}

func (d *recordingDialer) dial(ctx context.Context, mode chain.Mode, url string) (chain.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failN > 0 {
		d.failN--
		return nil, errors.New("dial refused")
	}
	h := chaintest.New(len(d.handles)+1, d.socket)
	d.handles = append(d.handles, h)
	return h, nil
}

func (d *recordingDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

func (d *recordingDialer) handle(i int) *chaintest.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles[i]
}

func socketConfig() chain.ManagerConfig {
	return chain.ManagerConfig{
		Mode:              chain.ModeSocket,
		URL:               "ws://node",
		HeartbeatInterval: 10 * time.Millisecond,
		HeartbeatTimeout:  5 * time.Millisecond,
		MaxMissed:         2,
		ReconnectDelay:    20 * time.Millisecond,
	}
}

func TestHandleBeforeStart(t *testing.T) {
	m := chain.NewManager(socketConfig(), (&recordingDialer{}).dial, nil, nil)

	_, err := m.Handle()
	require.ErrorIs(t, err, chain.ErrNotInitialized)
	assert.Equal(t, "disconnected", m.Status().State)
}

func TestStartDialFailure(t *testing.T) {
	d := &recordingDialer{failN: 1}
	m := chain.NewManager(socketConfig(), d.dial, nil, nil)

	err := m.Start(context.Background())
	var connErr *chain.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, chain.StateDisconnected, connErr.State)
}

func TestHeartbeatMissesTriggerSingleReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &recordingDialer{socket: true}
	m := chain.NewManager(socketConfig(), d.dial, nil, nil)

	var mu sync.Mutex
	var reconnected []chain.Handle
	m.OnConnect(func(h chain.Handle) {
		mu.Lock()
		reconnected = append(reconnected, h)
		mu.Unlock()
	})

	require.NoError(t, m.Start(ctx))
	defer func() {
		cancel()
		m.Close()
	}()
	first := d.handle(0)
	require.Equal(t, 1, d.count())

	first.SetPingErr(errors.New("pong timeout"))

	require.Eventually(t, func() bool {
		return d.count() == 2 && m.Status().State == "connected"
	}, 2*time.Second, 5*time.Millisecond)

	// the replacement stays healthy, so no further dials happen
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, d.count())
	assert.True(t, first.Closed())
	assert.GreaterOrEqual(t, first.Pings(), 2)

	h, err := m.Handle()
	require.NoError(t, err)
	assert.Same(t, d.handle(1), h)
	assert.Equal(t, uint64(2), m.Status().Generation)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reconnected, 1)
	assert.Same(t, d.handle(1), reconnected[0])
}

func TestConcurrentFailureReportsDialOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &recordingDialer{socket: true}
	cfg := socketConfig()
	cfg.HeartbeatInterval = time.Hour
	cfg.ReconnectDelay = 100 * time.Millisecond
	m := chain.NewManager(cfg, d.dial, nil, nil)
	require.NoError(t, m.Start(ctx))
	defer func() {
		cancel()
		m.Close()
	}()

	h, err := m.Handle()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.ReportFailure(h, errors.New("socket closed"))
		}()
	}
	wg.Wait()

	_, err = m.Handle()
	require.ErrorIs(t, err, chain.ErrDisconnected)

	require.Eventually(t, func() bool { return d.count() == 2 && m.Status().State == "connected" }, time.Second, 5*time.Millisecond)

	// a late report about the replaced handle is ignored
	m.ReportFailure(h, errors.New("late close event"))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 2, d.count())
	assert.Equal(t, "connected", m.Status().State)
}

func TestReconnectRetriesFailedDials(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &recordingDialer{socket: true}
	cfg := socketConfig()
	cfg.HeartbeatInterval = time.Hour
	m := chain.NewManager(cfg, d.dial, nil, nil)
	require.NoError(t, m.Start(ctx))
	defer func() {
		cancel()
		m.Close()
	}()

	h, _ := m.Handle()
	d.mu.Lock()
	d.failN = 2
	d.mu.Unlock()
	m.ReportFailure(h, errors.New("socket closed"))

	require.Eventually(t, func() bool {
		return d.count() == 2 && m.Status().State == "connected"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, m.Status().LastError)
}

func TestRequestResponseModeHasNoHeartbeat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &recordingDialer{socket: false}
	cfg := socketConfig()
	cfg.Mode = chain.ModeRequestResponse
	m := chain.NewManager(cfg, d.dial, nil, nil)
	require.NoError(t, m.Start(ctx))
	defer func() {
		cancel()
		m.Close()
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, d.handle(0).Pings())
	assert.Equal(t, 1, d.count())
}
