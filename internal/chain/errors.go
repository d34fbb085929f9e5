package chain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned before the first successful dial.
	ErrNotInitialized = errors.New("rpc connection not initialized")
	// ErrDisconnected is returned while a reconnect cycle is in progress.
	ErrDisconnected = errors.New("rpc connection unavailable")
)

// ConnectionError reports a transport failure. The Manager recovers from it
// by reconnecting; callers only see it while no handle is available.
type ConnectionError struct {
	State State
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rpc connection %s: %v", e.State, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
