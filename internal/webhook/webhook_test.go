package webhook

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certsync/internal/chain"
	"certsync/internal/chain/chaintest"
	"certsync/internal/contract"
	"certsync/internal/listener"
	"certsync/internal/metrics"
	"certsync/internal/model"
	"certsync/internal/onchain"
)

const signingKey = "whsec_test"

var typeAddress = common.HexToAddress("0x00000000000000000000000000000000000000a2")

type jobRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (r *jobRecorder) Enqueue(ctx context.Context, kind model.JobKind, key string, payload any) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return true, nil
}

type fixture struct {
	router  http.Handler
	jobs    *jobRecorder
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	parsed, err := onchain.CertificateTypeABI()
	require.NoError(t, err)

	h := chaintest.New(1, true)
	conn, err := contract.NewConnection(contract.Config{Name: onchain.CertificateTypeName, Address: typeAddress, ABI: parsed},
		func() (chain.Handle, error) { return h, nil }, nil, nil, nil)
	require.NoError(t, err)

	jobs := &jobRecorder{}
	reg := listener.NewRegistry(nil, nil)
	require.NoError(t, onchain.NewCertificateTypeContract(conn, jobs, "", nil).Register(reg))

	m := metrics.New(prometheus.NewRegistry())
	handler := NewHandler(map[string]Contract{
		"certificate-type": {Address: typeAddress, SigningKey: signingKey},
	}, reg, nil, m)

	r := chi.NewRouter()
	handler.Routes(r)
	return fixture{router: r, jobs: jobs, metrics: m}
}

func packLog(t *testing.T, event string, tx string, args ...interface{}) map[string]any {
	t.Helper()
	parsed, err := onchain.CertificateTypeABI()
	require.NoError(t, err)
	ev := parsed.Events[event]
	data, err := ev.Inputs.NonIndexed().Pack(args...)
	require.NoError(t, err)
	return map[string]any{
		"data":        hexutil.Bytes(data),
		"topics":      []common.Hash{ev.ID},
		"index":       0,
		"account":     map[string]any{"address": typeAddress},
		"transaction": map[string]any{"hash": common.HexToHash(tx)},
	}
}

func body(t *testing.T, logs ...map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"webhookId": "wh_1",
		"id":        "whevt_1",
		"type":      "GRAPHQL",
		"event": map[string]any{
			"network":        "ETH_SEPOLIA",
			"sequenceNumber": "10000000000578619000",
			"data": map[string]any{
				"block": map[string]any{
					"hash":      common.HexToHash("0xb1"),
					"number":    "0x4a2",
					"timestamp": 1_700_000_000,
					"logs":      logs,
				},
			},
		},
	})
	require.NoError(t, err)
	return raw
}

func post(f fixture, path string, raw []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func sign(raw []byte) string {
	return hex.EncodeToString(Sign(signingKey, raw))
}

func TestWebhookRelaysLastMatchingLog(t *testing.T) {
	f := newFixture(t)
	raw := body(t,
		packLog(t, "CertificateTypeCreated", "0xa1", "CT1", "English", "ENG_01"),
		packLog(t, "CertificateTypeUpdated", "0xa2", "CT1", "English-2", "ENG_01", "-"),
		map[string]any{
			"data":        hexutil.Bytes{},
			"topics":      []common.Hash{common.HexToHash("0xdead")},
			"transaction": map[string]any{"hash": common.HexToHash("0xa3")},
		},
	)

	rec := post(f, "/webhooks/certificate-type", raw, sign(raw))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "CertificateTypeUpdated", resp["event"])
	assert.Equal(t, []string{"CT_UPDATED-" + common.HexToHash("0xa2").Hex()}, f.jobs.keys)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WebhookRequests.WithLabelValues("certificate-type", "200")))
}

func TestWebhookSignature(t *testing.T) {
	f := newFixture(t)
	raw := body(t, packLog(t, "CertificateTypeCreated", "0xa1", "CT1", "English", "ENG_01"))

	rec := post(f, "/webhooks/certificate-type", raw, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(f, "/webhooks/certificate-type", raw, hex.EncodeToString(Sign("other", raw)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(f, "/webhooks/certificate-type", raw, "not-hex")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Empty(t, f.jobs.keys)
}

func TestWebhookRejectsUnmatchedPayload(t *testing.T) {
	f := newFixture(t)

	raw := body(t, map[string]any{
		"data":        hexutil.Bytes{},
		"topics":      []common.Hash{common.HexToHash("0xdead")},
		"transaction": map[string]any{"hash": common.HexToHash("0xa3")},
	})
	rec := post(f, "/webhooks/certificate-type", raw, sign(raw))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no log matches")

	raw = []byte(`{"event":`)
	rec = post(f, "/webhooks/certificate-type", raw, sign(raw))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	raw = body(t)
	rec = post(f, "/webhooks/certificate-type", raw, sign(raw))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.jobs.keys)
}

func TestWebhookUnknownContract(t *testing.T) {
	f := newFixture(t)
	raw := body(t)
	rec := post(f, "/webhooks/payments", raw, sign(raw))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVerify(t *testing.T) {
	raw := []byte(`{"id":"1"}`)
	sig := hex.EncodeToString(Sign(signingKey, raw))

	require.NoError(t, Verify(signingKey, raw, sig))
	require.NoError(t, Verify(signingKey, raw, "0x"+sig))
	require.ErrorIs(t, Verify(signingKey, raw, ""), ErrAuthentication)
	require.ErrorIs(t, Verify("", raw, sig), ErrAuthentication)
	require.ErrorIs(t, Verify(signingKey, []byte(`{"id":"2"}`), sig), ErrAuthentication)
}

func TestQuantityUnmarshal(t *testing.T) {
	var got struct {
		A Quantity `json:"a"`
		B Quantity `json:"b"`
		C Quantity `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"0x4a2","b":"1186","c":1186}`), &got))
	assert.Equal(t, Quantity(1186), got.A)
	assert.Equal(t, Quantity(1186), got.B)
	assert.Equal(t, Quantity(1186), got.C)

	require.Error(t, json.Unmarshal([]byte(`{"a":"nope"}`), &got))
}
