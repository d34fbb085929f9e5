package contract

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certsync/internal/chain"
	"certsync/internal/chain/chaintest"
)

const testABIJSON = `[
  {"anonymous": false, "inputs": [
    {"indexed": false, "name": "id", "type": "string"},
    {"indexed": false, "name": "name", "type": "string"},
    {"indexed": false, "name": "code", "type": "string"}
  ], "name": "CertificateTypeCreated", "type": "event"},
  {"anonymous": false, "inputs": [
    {"indexed": true, "name": "orgId", "type": "string"},
    {"indexed": true, "name": "manager", "type": "address"}
  ], "name": "ManagerAdded", "type": "event"},
  {"inputs": [
    {"name": "id", "type": "string"},
    {"name": "name", "type": "string"},
    {"name": "code", "type": "string"},
    {"name": "description", "type": "string"}
  ], "name": "createCertificateType", "outputs": [], "stateMutability": "nonpayable", "type": "function"}
]`

var testAddress = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func testABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(testABIJSON))
	require.NoError(t, err)
	return parsed
}

type switchProvider struct {
	mu sync.Mutex
	h  chain.Handle
}

func (p *switchProvider) get() (chain.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.h == nil {
		return nil, chain.ErrNotInitialized
	}
	return p.h, nil
}

func (p *switchProvider) set(h chain.Handle) {
	p.mu.Lock()
	p.h = h
	p.mu.Unlock()
}

func createdLog(t *testing.T, parsed abi.ABI, id, name, code string, tx string) types.Log {
	t.Helper()
	event := parsed.Events["CertificateTypeCreated"]
	data, err := event.Inputs.NonIndexed().Pack(id, name, code)
	require.NoError(t, err)
	return types.Log{
		Address:     testAddress,
		Topics:      []common.Hash{event.ID},
		Data:        data,
		BlockNumber: 120,
		TxHash:      common.HexToHash(tx),
	}
}

func TestNewConnectionRequiresHandle(t *testing.T) {
	p := &switchProvider{}
	_, err := NewConnection(Config{Name: "CertificateType", Address: testAddress, ABI: testABI(t)}, p.get, nil, nil, nil)
	require.ErrorIs(t, err, chain.ErrNotInitialized)
}

func TestDecodePositionalArguments(t *testing.T) {
	parsed := testABI(t)

	values, err := DecodeLog(parsed.Events["CertificateTypeCreated"], createdLog(t, parsed, "CT1", "English", "ENG_01", "0xaaa"))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"CT1", "English", "ENG_01"}, values)

	manager := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	event := parsed.Events["ManagerAdded"]
	orgTopic := crypto.Keccak256Hash([]byte("ORG1"))
	log := types.Log{
		Address: testAddress,
		Topics:  []common.Hash{event.ID, orgTopic, common.BytesToHash(manager.Bytes())},
	}
	values, err = DecodeLog(event, log)
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, orgTopic, values[0])
	assert.Equal(t, manager, values[1])
}

func TestDecodeRejectsWrongTopic(t *testing.T) {
	parsed := testABI(t)
	log := createdLog(t, parsed, "CT1", "English", "ENG_01", "0xaaa")
	log.Topics[0] = common.HexToHash("0x01")

	_, err := DecodeLog(parsed.Events["CertificateTypeCreated"], log)
	require.Error(t, err)

	_, ok := EventByTopic(parsed, log)
	assert.False(t, ok)
}

func TestSubscribeWithNotifications(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	parsed := testABI(t)
	h := chaintest.New(1, true)
	p := &switchProvider{h: h}
	conn, err := NewConnection(Config{Name: "CertificateType", Address: testAddress, ABI: parsed}, p.get, nil, nil, nil)
	require.NoError(t, err)

	got := make(chan types.Log, 1)
	sub, err := conn.Subscribe(ctx, "CertificateTypeCreated", func(l types.Log) error { got <- l; return nil })
	require.NoError(t, err)
	require.Equal(t, 1, h.ActiveSubscriptions())

	want := createdLog(t, parsed, "CT1", "English", "ENG_01", "0xaaa")
	require.Equal(t, 1, h.Emit(want))

	select {
	case l := <-got:
		assert.Equal(t, want.TxHash, l.TxHash)
	case <-time.After(time.Second):
		t.Fatal("log not delivered")
	}

	sub.Unsubscribe()
	assert.Equal(t, 0, h.ActiveSubscriptions())
	assert.Equal(t, 0, h.Emit(want))
}

func TestPushedLogsDoNotWaitOnSlowSink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	parsed := testABI(t)
	h := chaintest.New(1, true)
	p := &switchProvider{h: h}
	conn, err := NewConnection(Config{Name: "CertificateType", Address: testAddress, ABI: parsed}, p.get, nil, nil, nil)
	require.NoError(t, err)

	release := make(chan struct{})
	var started atomic.Int32
	sub, err := conn.Subscribe(ctx, "CertificateTypeCreated", func(types.Log) error {
		started.Add(1)
		<-release
		return nil
	})
	require.NoError(t, err)

	h.Emit(createdLog(t, parsed, "CT1", "English", "ENG_01", "0xaaa"))
	h.Emit(createdLog(t, parsed, "CT2", "French", "FRA_01", "0xbbb"))
	require.Eventually(t, func() bool { return started.Load() == 2 }, time.Second, 5*time.Millisecond)

	close(release)
	sub.Unsubscribe()
	conn.Wait()
}

func TestPolledLogIsRefetchedUntilAccepted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	parsed := testABI(t)
	h := chaintest.New(1, false)
	h.SetHead(120)
	h.AddLogs(createdLog(t, parsed, "CT1", "English", "ENG_01", "0xaaa"))
	p := &switchProvider{h: h}

	reported := make(chan error, 1)
	conn, err := NewConnection(Config{
		Name:    "CertificateType",
		Address: testAddress,
		ABI:     parsed,
	}, p.get, func(_ chain.Handle, err error) { reported <- err }, nil, nil)
	require.NoError(t, err)
	conn.cfg.Poll.FromBlock = 110
	conn.cfg.Poll.Interval = 5 * time.Millisecond

	var calls atomic.Int32
	accepted := make(chan struct{})
	sub, err := conn.Subscribe(ctx, "CertificateTypeCreated", func(types.Log) error {
		if calls.Add(1) < 3 {
			return errors.New("redis: connection refused")
		}
		close(accepted)
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("log not delivered again after sink failures")
	}
	assert.Equal(t, int32(3), calls.Load())
	select {
	case err := <-reported:
		t.Fatalf("delivery failure reported as connection failure: %v", err)
	default:
	}
}

func TestSubscribeUnknownEvent(t *testing.T) {
	p := &switchProvider{h: chaintest.New(1, true)}
	conn, err := NewConnection(Config{Name: "CertificateType", Address: testAddress, ABI: testABI(t)}, p.get, nil, nil, nil)
	require.NoError(t, err)

	_, err = conn.Subscribe(context.Background(), "Nope", func(types.Log) error { return nil })
	require.Error(t, err)
}

func TestDroppedSubscriptionIsReported(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := chaintest.New(1, true)
	p := &switchProvider{h: h}

	reported := make(chan chain.Handle, 1)
	report := func(failed chain.Handle, err error) { reported <- failed }

	conn, err := NewConnection(Config{Name: "CertificateType", Address: testAddress, ABI: testABI(t)}, p.get, report, nil, nil)
	require.NoError(t, err)
	_, err = conn.Subscribe(ctx, "CertificateTypeCreated", func(types.Log) error { return nil })
	require.NoError(t, err)

	h.Drop(errors.New("websocket: close 1006"))

	select {
	case failed := <-reported:
		assert.Same(t, h, failed)
	case <-time.After(time.Second):
		t.Fatal("failure not reported")
	}
}

func TestSubscribePollsWithoutNotifications(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	parsed := testABI(t)
	h := chaintest.New(1, false)
	h.SetHead(120)
	h.AddLogs(createdLog(t, parsed, "CT1", "English", "ENG_01", "0xaaa"))
	p := &switchProvider{h: h}

	conn, err := NewConnection(Config{
		Name:    "CertificateType",
		Address: testAddress,
		ABI:     parsed,
	}, p.get, nil, nil, nil)
	require.NoError(t, err)
	conn.cfg.Poll.FromBlock = 110
	conn.cfg.Poll.Interval = 10 * time.Millisecond

	got := make(chan types.Log, 1)
	sub, err := conn.Subscribe(ctx, "CertificateTypeCreated", func(l types.Log) error { got <- l; return nil })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case l := <-got:
		assert.Equal(t, uint64(120), l.BlockNumber)
	case <-time.After(time.Second):
		t.Fatal("log not polled")
	}
	queries := h.FilterQueries()
	require.NotEmpty(t, queries)
	assert.Equal(t, []common.Address{testAddress}, queries[0].Addresses)
	assert.Equal(t, parsed.Events["CertificateTypeCreated"].ID, queries[0].Topics[0][0])
}

func TestHealthFailureRebindsAndNotifies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	first := chaintest.New(1, true)
	second := chaintest.New(2, true)
	p := &switchProvider{h: first}

	conn, err := NewConnection(Config{
		Name:                "CertificateType",
		Address:             testAddress,
		ABI:                 testABI(t),
		HealthCheckInterval: 10 * time.Millisecond,
		RecoveryDelay:       20 * time.Millisecond,
	}, p.get, nil, nil, nil)
	require.NoError(t, err)

	var rebinds atomic.Int32
	conn.OnRebind(func(addr common.Address) {
		assert.Equal(t, testAddress, addr)
		rebinds.Add(1)
	})
	conn.Start(ctx)
	defer func() {
		cancel()
		conn.Wait()
	}()

	first.SetBlockErr(errors.New("503 service unavailable"))
	p.set(second)

	require.Eventually(t, func() bool { return rebinds.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, conn.Healthy())
	assert.Same(t, second, conn.Binding().Handle())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), rebinds.Load())
}

func TestRebindSkipsHealthyCurrentBinding(t *testing.T) {
	h := chaintest.New(1, true)
	p := &switchProvider{h: h}
	conn, err := NewConnection(Config{Name: "CertificateType", Address: testAddress, ABI: testABI(t)}, p.get, nil, nil, nil)
	require.NoError(t, err)

	calls := 0
	conn.OnRebind(func(common.Address) { calls++ })

	before := conn.Binding()
	require.NoError(t, conn.Rebind(context.Background()))
	assert.Same(t, before, conn.Binding())
	assert.Zero(t, calls)

	next := chaintest.New(2, true)
	p.set(next)
	require.NoError(t, conn.Rebind(context.Background()))
	assert.NotSame(t, before, conn.Binding())
	assert.Equal(t, 1, calls)
}

func TestTransactSubmitsSignedCall(t *testing.T) {
	parsed := testABI(t)
	h := chaintest.New(1, true)
	p := &switchProvider{h: h}
	conn, err := NewConnection(Config{Name: "CertificateType", Address: testAddress, ABI: parsed}, p.get, nil, nil, nil)
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyHex := "0x" + common.Bytes2Hex(crypto.FromECDSA(key))

	hash, err := conn.Transact(context.Background(), keyHex, "createCertificateType", "CT1", "English", "ENG_01", "-")
	require.NoError(t, err)

	sent := h.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, hash, sent[0].Hash())
	assert.Equal(t, testAddress, *sent[0].To())
	assert.Equal(t, parsed.Methods["createCertificateType"].ID, sent[0].Data()[:4])
	assert.Equal(t, int64(1337), sent[0].ChainId().Int64())
}

func TestTransactWrapsFailures(t *testing.T) {
	p := &switchProvider{h: chaintest.New(1, true)}
	conn, err := NewConnection(Config{Name: "CertificateType", Address: testAddress, ABI: testABI(t)}, p.get, nil, nil, nil)
	require.NoError(t, err)

	_, err = conn.Transact(context.Background(), "", "createCertificateType", "CT1", "English", "ENG_01", "-")
	var callErr *CallFailedError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "derive signer", callErr.Context)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = conn.Transact(context.Background(), common.Bytes2Hex(crypto.FromECDSA(key)), "noSuchMethod")
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "submit", callErr.Context)
	assert.Equal(t, "noSuchMethod", callErr.Method)
}
