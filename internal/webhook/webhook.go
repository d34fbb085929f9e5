// Package webhook accepts Alchemy address-activity notifications and feeds
// their logs into the listener registry.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"certsync/internal/metrics"
)

const (
	SignatureHeader = "X-Alchemy-Signature"
	maxBodyBytes    = 1 << 20
)

var (
	ErrAuthentication = errors.New("webhook authentication failed")
	ErrParse          = errors.New("webhook payload not understood")
)

// Dispatcher delivers a log to the handlers registered for a contract.
type Dispatcher interface {
	Match(addr common.Address, log types.Log) (string, bool)
	Dispatch(ctx context.Context, addr common.Address, log types.Log) (int, error)
}

// Contract is a webhook route target.
type Contract struct {
	Address    common.Address
	SigningKey string
}

// Payload is the body Alchemy posts for custom webhooks.
type Payload struct {
	WebhookID string `json:"webhookId"`
	ID        string `json:"id"`
	Type      string `json:"type"`
	Event     struct {
		Network        string   `json:"network"`
		SequenceNumber Quantity `json:"sequenceNumber"`
		Data           struct {
			Block Block `json:"block"`
		} `json:"data"`
	} `json:"event"`
}

type Block struct {
	Hash      common.Hash `json:"hash"`
	Number    Quantity    `json:"number"`
	Timestamp Quantity    `json:"timestamp"`
	Logs      []Log       `json:"logs"`
}

type Log struct {
	Data    hexutil.Bytes `json:"data"`
	Topics  []common.Hash `json:"topics"`
	Index   uint          `json:"index"`
	Account struct {
		Address common.Address `json:"address"`
	} `json:"account"`
	Transaction struct {
		Hash common.Hash `json:"hash"`
	} `json:"transaction"`
}

// Handler serves POST /webhooks/{contract}.
type Handler struct {
	contracts  map[string]Contract
	dispatcher Dispatcher
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewHandler routes each contract route name (organization, certificate-type,
// certificate) to its address and signing key.
func NewHandler(contracts map[string]Contract, dispatcher Dispatcher, logger *zap.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	normalized := make(map[string]Contract, len(contracts))
	for name, c := range contracts {
		normalized[strings.ToLower(name)] = c
	}
	return &Handler{
		contracts:  normalized,
		dispatcher: dispatcher,
		logger:     logger.Named("webhook"),
		metrics:    m,
	}
}

// Routes mounts the webhook endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhooks/{contract}", h.ServeHTTP)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(chi.URLParam(r, "contract"))
	status, body := h.handle(w, r, name)
	h.metrics.IncWebhook(name, status)
	writeJSON(w, status, body)
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request, name string) (int, any) {
	target, ok := h.contracts[name]
	if !ok {
		return http.StatusNotFound, errorBody(fmt.Sprintf("unknown contract %q", name))
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return http.StatusBadRequest, errorBody("read body: " + err.Error())
	}

	if err := Verify(target.SigningKey, raw, r.Header.Get(SignatureHeader)); err != nil {
		h.logger.Warn("webhook rejected", zap.String("contract", name), zap.Error(err))
		if errors.Is(err, errMissingSignature) {
			return http.StatusBadRequest, errorBody(err.Error())
		}
		return http.StatusUnauthorized, errorBody(err.Error())
	}

	log, event, err := h.pick(target.Address, raw)
	if err != nil {
		h.logger.Warn("webhook payload rejected", zap.String("contract", name), zap.Error(err))
		return http.StatusBadRequest, errorBody(err.Error())
	}

	n, err := h.dispatcher.Dispatch(r.Context(), target.Address, log)
	if err != nil {
		h.logger.Error("webhook dispatch failed",
			zap.String("contract", name),
			zap.String("event", event),
			zap.String("tx_hash", log.TxHash.Hex()),
			zap.Error(err),
		)
		return http.StatusInternalServerError, errorBody(err.Error())
	}

	h.logger.Info("webhook event relayed",
		zap.String("contract", name),
		zap.String("event", event),
		zap.String("tx_hash", log.TxHash.Hex()),
		zap.Int("handlers", n),
	)
	return http.StatusOK, map[string]any{
		"status":   "ok",
		"event":    event,
		"tx_hash":  log.TxHash.Hex(),
		"handlers": n,
	}
}

// pick returns the last log in the payload that decodes as an event of the
// contract at addr.
func (h *Handler) pick(addr common.Address, raw []byte) (types.Log, string, error) {
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return types.Log{}, "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	block := payload.Event.Data.Block
	if len(block.Logs) == 0 {
		return types.Log{}, "", fmt.Errorf("%w: no logs in block", ErrParse)
	}
	for i := len(block.Logs) - 1; i >= 0; i-- {
		l := block.Logs[i]
		log := types.Log{
			Address:     addr,
			Topics:      l.Topics,
			Data:        l.Data,
			BlockNumber: uint64(block.Number),
			BlockHash:   block.Hash,
			TxHash:      l.Transaction.Hash,
			Index:       l.Index,
		}
		if name, ok := h.dispatcher.Match(addr, log); ok {
			return log, name, nil
		}
	}
	return types.Log{}, "", fmt.Errorf("%w: no log matches the contract ABI", ErrParse)
}

var errMissingSignature = fmt.Errorf("%w: missing %s header", ErrAuthentication, SignatureHeader)

// Verify checks signature, the hex HMAC-SHA256 of body under key.
func Verify(key string, body []byte, signature string) error {
	if signature == "" {
		return errMissingSignature
	}
	if key == "" {
		return fmt.Errorf("%w: no signing key configured", ErrAuthentication)
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrAuthentication)
	}
	if !hmac.Equal(got, Sign(key, body)) {
		return fmt.Errorf("%w: signature mismatch", ErrAuthentication)
	}
	return nil
}

// Sign returns the HMAC-SHA256 of body under key.
func Sign(key string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return mac.Sum(nil)
}

// Quantity is an unsigned number sent either as a JSON number, a decimal
// string or a 0x-prefixed hex string.
type Quantity uint64

func (q *Quantity) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*q = 0
		return nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return err
		}
		*q = Quantity(v)
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	*q = Quantity(v)
	return nil
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
