package onchain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certsync/internal/chain"
	"certsync/internal/chain/chaintest"
	"certsync/internal/contract"
	"certsync/internal/listener"
	"certsync/internal/metrics"
	"certsync/internal/model"
	"certsync/internal/queue"
	"certsync/internal/storage"
	"certsync/internal/tracker"
)

var (
	orgAddress  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	typeAddress = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	certAddress = common.HexToAddress("0x00000000000000000000000000000000000000a3")
)

type enqueued struct {
	kind    model.JobKind
	key     string
	payload any
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (q *recordingQueue) Enqueue(ctx context.Context, kind model.JobKind, key string, payload any) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return false, q.err
	}
	for _, j := range q.jobs {
		if j.key == key {
			return false, nil
		}
	}
	q.jobs = append(q.jobs, enqueued{kind: kind, key: key, payload: payload})
	return true, nil
}

func (q *recordingQueue) all() []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]enqueued(nil), q.jobs...)
}

func newConn(t *testing.T, h *chaintest.Handle, name string, addr common.Address) *contract.Connection {
	t.Helper()
	parsed, err := ABIFor(name)
	require.NoError(t, err)
	conn, err := contract.NewConnection(contract.Config{Name: name, Address: addr, ABI: parsed},
		func() (chain.Handle, error) { return h, nil }, nil, nil, nil)
	require.NoError(t, err)
	return conn
}

func eventLog(t *testing.T, parsed abi.ABI, addr common.Address, event string, block uint64, tx string, args ...interface{}) types.Log {
	t.Helper()
	ev := parsed.Events[event]
	data, err := ev.Inputs.NonIndexed().Pack(args...)
	require.NoError(t, err)
	return types.Log{
		Address:     addr,
		Topics:      []common.Hash{ev.ID},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash(tx),
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"English", "English"},
		{"English Level 1", "English-Level-1"},
		{"  Trường Đại học   Bách Khoa ", "Truong-Dai-hoc-Bach-Khoa"},
		{"Acme & Sons, Ltd.", "Acme-and-Sons-Ltd"},
		{"Trie\u0302\u0300n Vo\u031b", "Trien-Vo"},
		{"level_two__cert", "level-two-cert"},
		{"Straße Øst", "Strasse-Ost"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slug(tt.in), tt.in)
	}
}

func TestABIsParse(t *testing.T) {
	for _, name := range []string{OrganizationName, CertificateTypeName, CertificateName} {
		parsed, err := ABIFor(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, parsed.Events, name)
	}
	_, err := ABIFor("Unknown")
	require.Error(t, err)

	parsed, err := OrganizationABI()
	require.NoError(t, err)
	assert.Contains(t, parsed.Methods, "createOrganization")
	assert.Len(t, parsed.Events["OrganizationCreated"].Inputs, 4)
}

func TestOrganizationCreatedQueuesJob(t *testing.T) {
	ctx := context.Background()
	h := chaintest.New(1, true)
	jobs := &recordingQueue{}
	reg := listener.NewRegistry(nil, nil)

	orgs := NewOrganizationContract(newConn(t, h, OrganizationName, orgAddress), jobs, "", nil)
	require.NoError(t, orgs.Register(reg))

	parsed, _ := OrganizationABI()
	owner := common.HexToAddress("0xAbCd000000000000000000000000000000000001")
	log := eventLog(t, parsed, orgAddress, "OrganizationCreated", 42, "0x0f", "O1", owner, "Acme", "VN")

	n, err := reg.Dispatch(ctx, orgAddress, log)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := jobs.all()
	require.Len(t, got, 1)
	assert.Equal(t, model.KindOrganizationAdded, got[0].kind)
	assert.Equal(t, "ORG_ADDED-"+log.TxHash.Hex(), got[0].key)
	assert.Equal(t, model.OrganizationEvent{
		OrganizationID: "O1",
		OwnerAddress:   owner.Hex(),
		Name:           "Acme",
		CountryCode:    "VN",
		TxHash:         log.TxHash.Hex(),
		BlockNumber:    42,
	}, got[0].payload)

	// OrganizationUpdated has no tracker and no handler.
	_, err = reg.Dispatch(ctx, orgAddress, eventLog(t, parsed, orgAddress, "OrganizationUpdated", 43, "0x10", "O1", "Acme", "VN"))
	require.NoError(t, err)
	assert.Len(t, jobs.all(), 1)
}

func TestCertificateEventsCarryActorAndBlockTime(t *testing.T) {
	ctx := context.Background()
	h := chaintest.New(1, true)
	jobs := &recordingQueue{}
	reg := listener.NewRegistry(nil, nil)

	certs := NewCertificateContract(newConn(t, h, CertificateName, certAddress), jobs, nil)
	require.NoError(t, certs.Register(reg))

	parsed, _ := CertificateABI()
	actor := common.HexToAddress("0x00000000000000000000000000000000000000b2")

	_, err := reg.Dispatch(ctx, certAddress, eventLog(t, parsed, certAddress, "CertificateSubmitted", 10, "0x01", "C1", "O1", "CT1", actor, "079123"))
	require.NoError(t, err)
	_, err = reg.Dispatch(ctx, certAddress, eventLog(t, parsed, certAddress, "CertificateApproved", 11, "0x02", "C1", actor))
	require.NoError(t, err)
	_, err = reg.Dispatch(ctx, certAddress, eventLog(t, parsed, certAddress, "CertificateRevoked", 12, "0x03", "C1", actor, "fraud"))
	require.NoError(t, err)
	_, err = reg.Dispatch(ctx, certAddress, eventLog(t, parsed, certAddress, "CertificateRejected", 13, "0x04", "C2", actor, "blurry"))
	require.NoError(t, err)

	got := jobs.all()
	require.Len(t, got, 4)

	signed := got[0].payload.(model.CertificateEvent)
	assert.Equal(t, model.KindCertificateSigned, got[0].kind)
	assert.Equal(t, "O1", signed.OrganizationID)
	assert.Equal(t, "CT1", signed.CertificateTypeID)
	assert.Equal(t, "079123", signed.HolderIDCard)
	assert.Equal(t, actor.Hex(), signed.Actor)
	assert.Zero(t, signed.BlockTime)

	approved := got[1].payload.(model.CertificateEvent)
	assert.Equal(t, model.KindCertificateApproved, got[1].kind)
	assert.Equal(t, int64(1_700_000_011), approved.BlockTime)

	revoked := got[2].payload.(model.CertificateEvent)
	assert.Equal(t, model.KindCertificateRevoked, got[2].kind)
	assert.Equal(t, "fraud", revoked.Reason)
	assert.Equal(t, int64(1_700_000_012), revoked.BlockTime)

	rejected := got[3].payload.(model.CertificateEvent)
	assert.Equal(t, model.KindCertificateRejected, got[3].kind)
	assert.Equal(t, "C2", rejected.CertificateID)
	assert.Equal(t, "blurry", rejected.Reason)
}

func TestHandlerRequiresID(t *testing.T) {
	h := chaintest.New(1, true)
	cts := NewCertificateTypeContract(newConn(t, h, CertificateTypeName, typeAddress), &recordingQueue{}, "", nil)

	err := cts.onCreated(context.Background(), listener.Event{Name: "CertificateTypeCreated", Args: map[string]interface{}{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing argument id")
}

func TestEnqueueFailureSurfaces(t *testing.T) {
	h := chaintest.New(1, true)
	jobs := &recordingQueue{err: errors.New("redis down")}
	reg := listener.NewRegistry(nil, nil)
	cts := NewCertificateTypeContract(newConn(t, h, CertificateTypeName, typeAddress), jobs, "", nil)
	require.NoError(t, cts.Register(reg))

	parsed, _ := CertificateTypeABI()
	_, err := reg.Dispatch(context.Background(), typeAddress, eventLog(t, parsed, typeAddress, "CertificateTypeDeactivated", 5, "0x05", "CT1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
}

func TestCreateCertificateTypeSubmitsSlugAndPlaceholder(t *testing.T) {
	h := chaintest.New(1, true)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	cts := NewCertificateTypeContract(newConn(t, h, CertificateTypeName, typeAddress), &recordingQueue{}, common.Bytes2Hex(crypto.FromECDSA(key)), nil)

	hash, err := cts.CreateCertificateType(context.Background(), "CT1", "English Level 1", "ENG_01", "")
	require.NoError(t, err)

	sent := h.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, sent[0].Hash().Hex(), hash)
	assert.Equal(t, typeAddress, *sent[0].To())

	parsed, _ := CertificateTypeABI()
	method := parsed.Methods["createCertificateType"]
	assert.Equal(t, method.ID, sent[0].Data()[:4])
	args, err := method.Inputs.Unpack(sent[0].Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"CT1", "English-Level-1", "ENG_01", "-"}, args)

	_, err = cts.DeactivateCertificateType(context.Background(), "CT1")
	require.NoError(t, err)
	require.Len(t, h.Sent(), 2)
}

func TestCreateOrganizationSubmitsOwner(t *testing.T) {
	h := chaintest.New(1, true)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	orgs := NewOrganizationContract(newConn(t, h, OrganizationName, orgAddress), &recordingQueue{}, common.Bytes2Hex(crypto.FromECDSA(key)), nil)

	owner := common.HexToAddress("0x00000000000000000000000000000000000000c3")
	_, err = orgs.CreateOrganization(context.Background(), "O1", owner, "Acme Sons", "VN")
	require.NoError(t, err)

	parsed, _ := OrganizationABI()
	sent := h.Sent()
	require.Len(t, sent, 1)
	args, err := parsed.Methods["createOrganization"].Inputs.Unpack(sent[0].Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"O1", owner, "Acme-Sons", "VN"}, args)
}

func TestSignedWriteWithoutKeyFails(t *testing.T) {
	h := chaintest.New(1, true)
	cts := NewCertificateTypeContract(newConn(t, h, CertificateTypeName, typeAddress), &recordingQueue{}, "", nil)

	_, err := cts.UpdateCertificateType(context.Background(), "CT1", "English", "ENG_01", "")
	var callErr *contract.CallFailedError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "updateCertificateType", callErr.Method)
	assert.Empty(t, h.Sent())
}

// typeStore is a tracker.Store holding certificate types only.
type typeStore struct {
	mu     sync.Mutex
	types  map[string]model.CertificateType
	writes int
}

func (s *typeStore) InTx(ctx context.Context, fn func(tx tracker.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &typeTx{types: make(map[string]model.CertificateType, len(s.types))}
	for k, v := range s.types {
		tx.types[k] = v
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.types = tx.types
	s.writes += tx.writes
	return nil
}

func (s *typeStore) get(id string) (model.CertificateType, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.types[id], s.writes
}

type typeTx struct {
	types  map[string]model.CertificateType
	writes int
}

func (t *typeTx) LockOrganization(ctx context.Context, id string) (model.Organization, error) {
	return model.Organization{}, storage.ErrNotFound
}

func (t *typeTx) SaveOrganization(ctx context.Context, org model.Organization) error {
	return storage.ErrNotFound
}

func (t *typeTx) ActivateMember(ctx context.Context, organizationID, wallet, txHash string) error {
	return storage.ErrNotFound
}

func (t *typeTx) LockCertificateType(ctx context.Context, id string) (model.CertificateType, error) {
	ct, ok := t.types[id]
	if !ok {
		return model.CertificateType{}, storage.ErrNotFound
	}
	return ct, nil
}

func (t *typeTx) SaveCertificateType(ctx context.Context, ct model.CertificateType) error {
	t.types[ct.ID] = ct
	t.writes++
	return nil
}

func (t *typeTx) LockCertificate(ctx context.Context, id string) (model.Certificate, error) {
	return model.Certificate{}, storage.ErrNotFound
}

func (t *typeTx) SaveCertificate(ctx context.Context, cert model.Certificate) error {
	return storage.ErrNotFound
}

func TestCertificateTypeCreatedEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &typeStore{types: map[string]model.CertificateType{
		"CT1": {ID: "CT1", Status: model.CertificateTypePending},
	}}
	trackers := tracker.Handlers(
		tracker.NewOrganizationTracker(store, nil, nil),
		tracker.NewCertificateTypeTracker(store, nil, nil),
		tracker.NewCertificateTracker(store, nil, nil),
	)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	m := metrics.New(prometheus.NewRegistry())
	q := queue.NewRedisQueue(client, "e2e", trackers, queue.Options{Retention: time.Hour}, nil, m)

	h := chaintest.New(1, true)
	reg := listener.NewRegistry(nil, nil)
	cts := NewCertificateTypeContract(newConn(t, h, CertificateTypeName, typeAddress), q, "", nil)
	require.NoError(t, cts.Register(reg))
	require.NoError(t, reg.SubscribeAll(ctx))

	runDone := make(chan error, 1)
	go func() { runDone <- q.Run(ctx) }()

	parsed, _ := CertificateTypeABI()
	log := eventLog(t, parsed, typeAddress, "CertificateTypeCreated", 120, "0xAAA", "CT1", "English", "ENG_01")
	key := queue.IdempotencyKey(model.KindCertificateTypeAdded, log.TxHash.Hex())

	require.Eventually(t, func() bool { return h.Emit(log) == 1 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		ct, _ := store.get("CT1")
		return ct.Status == model.CertificateTypeActive
	}, 5*time.Second, 20*time.Millisecond)

	ct, writes := store.get("CT1")
	assert.Equal(t, log.TxHash.Hex(), ct.InitTxHash)
	assert.Equal(t, 1, writes)
	assert.True(t, mr.Exists("e2e:job:"+key))

	// Redelivery of the same log finds the retained job and adds nothing.
	require.Equal(t, 1, h.Emit(log))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.JobsDeduplicated.WithLabelValues(string(model.KindCertificateTypeAdded))) == 1
	}, time.Second, 10*time.Millisecond)
	reg.Wait()
	waiting, _ := mr.List("e2e:wait")
	assert.Empty(t, waiting)
	_, writes = store.get("CT1")
	assert.Equal(t, 1, writes)

	cancel()
	reg.UnsubscribeAll()
	require.NoError(t, <-runDone)
}
