package listener

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certsync/internal/chain"
	"certsync/internal/chain/chaintest"
	"certsync/internal/contract"
	"certsync/internal/indexer"
)

const pollABIJSON = `[
  {"anonymous": false, "inputs": [
    {"indexed": false, "name": "id", "type": "string"},
    {"indexed": false, "name": "name", "type": "string"},
    {"indexed": false, "name": "code", "type": "string"}
  ], "name": "CertificateTypeCreated", "type": "event"}
]`

type checkpointMap struct {
	mu     sync.Mutex
	blocks map[string]uint64
}

func (c *checkpointMap) Load(_ context.Context, name string) (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blocks[name]
	return b, ok, nil
}

func (c *checkpointMap) Save(_ context.Context, name string, block uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks[name] = block
	return nil
}

func (c *checkpointMap) get(name string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blocks[name]
	return b, ok
}

func TestPolledEventSurvivesHandlerFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	parsed, err := abi.JSON(strings.NewReader(pollABIJSON))
	require.NoError(t, err)
	event := parsed.Events["CertificateTypeCreated"]
	data, err := event.Inputs.NonIndexed().Pack("CT1", "English", "ENG_01")
	require.NoError(t, err)

	h := chaintest.New(1, false)
	h.SetHead(120)
	h.AddLogs(types.Log{
		Address:     addrCT,
		Topics:      []common.Hash{event.ID},
		Data:        data,
		BlockNumber: 115,
		TxHash:      common.HexToHash("0xaaa"),
	})

	checkpoints := &checkpointMap{blocks: map[string]uint64{}}
	conn, err := contract.NewConnection(contract.Config{
		Name:    "CertificateType",
		Address: addrCT,
		ABI:     parsed,
		Poll: indexer.PollConfig{
			FromBlock: 110,
			Interval:  5 * time.Millisecond,
		},
		Checkpoints: checkpoints,
	}, func() (chain.Handle, error) { return h, nil }, nil, nil, nil)
	require.NoError(t, err)

	reg := NewRegistry(nil, nil)
	require.NoError(t, reg.RegisterContract(conn))

	var healthy atomic.Bool
	var calls atomic.Int32
	applied := make(chan Event, 1)
	require.NoError(t, reg.Register(Descriptor{
		Owner:     "CertificateTypeContract",
		EventName: "CertificateTypeCreated",
		Params:    []string{"id", "name", "code"},
		Handler: func(ctx context.Context, ev Event) error {
			calls.Add(1)
			if !healthy.Load() {
				return errors.New("redis: connection refused")
			}
			applied <- ev
			return nil
		},
	}))
	require.NoError(t, reg.SubscribeAll(ctx))

	const name = "CertificateType:CertificateTypeCreated"
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	_, saved := checkpoints.get(name)
	assert.False(t, saved, "checkpoint moved past an undelivered log")

	healthy.Store(true)
	select {
	case ev := <-applied:
		assert.Equal(t, "CT1", ev.Args["id"])
		assert.Equal(t, uint64(115), ev.Log.BlockNumber)
	case <-time.After(2 * time.Second):
		t.Fatal("log not delivered after the handler recovered")
	}
	require.Eventually(t, func() bool {
		block, ok := checkpoints.get(name)
		return ok && block == 120
	}, 2*time.Second, 5*time.Millisecond)

	reg.UnsubscribeAll()
	reg.Wait()
	conn.Wait()
}
