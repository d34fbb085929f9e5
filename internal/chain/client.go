package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/websocket"
)

// Mode selects the transport used to reach the node.
type Mode string

const (
	ModeRequestResponse Mode = "http"
	ModeSocket          Mode = "ws"
)

// Handle is a live connection to the chain node. Contract bindings, log
// filters and signed transactions all go through the current Handle.
type Handle interface {
	bind.ContractBackend

	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	// Ping is the liveness probe used by the heartbeat.
	Ping(ctx context.Context) error
	SupportsSubscriptions() bool
	Close()
}

// Dialer opens a new Handle. The Manager calls it on start and on every reconnect.
type Dialer func(ctx context.Context, mode Mode, url string) (Handle, error)

// Client wraps go-ethereum RPC and provides helper methods.
type Client struct {
	*ethclient.Client

	rpcClient *rpc.Client
	mode      Mode

	mu      sync.RWMutex
	tsCache map[uint64]uint64
}

// Dial opens a Client. Socket mode uses a websocket dialer with a bounded handshake.
func Dial(ctx context.Context, mode Mode, url string) (Handle, error) {
	if url == "" {
		return nil, fmt.Errorf("rpc url is required")
	}

	var opts []rpc.ClientOption
	if mode == ModeSocket {
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			return nil, fmt.Errorf("socket mode requires a ws:// or wss:// url")
		}
		opts = append(opts, rpc.WithWebsocketDialer(websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		}))
	}

	rpcClient, err := rpc.DialOptions(ctx, url, opts...)
	if err != nil {
		return nil, err
	}

	return &Client{
		Client:    ethclient.NewClient(rpcClient),
		rpcClient: rpcClient,
		mode:      mode,
		tsCache:   make(map[uint64]uint64),
	}, nil
}

// Close closes the underlying RPC client. Subscriptions opened on it end with an error.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// Ping issues net_version and waits for the reply.
func (c *Client) Ping(ctx context.Context) error {
	var version string
	return c.rpcClient.CallContext(ctx, &version, "net_version")
}

func (c *Client) SupportsSubscriptions() bool {
	return c.mode == ModeSocket
}

// BlockTimestamp returns the block timestamp, using an in-memory cache.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	c.mu.RLock()
	ts, ok := c.tsCache[number]
	c.mu.RUnlock()
	if ok {
		return ts, nil
	}

	header, err := c.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, err
	}

	ts = header.Time
	c.mu.Lock()
	c.tsCache[number] = ts
	c.mu.Unlock()

	return ts, nil
}
