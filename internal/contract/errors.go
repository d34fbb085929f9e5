package contract

import "fmt"

// CallFailedError wraps any failure of a signed contract call.
type CallFailedError struct {
	Contract string
	Method   string
	Context  string
	Err      error
}

func (e *CallFailedError) Error() string {
	return fmt.Sprintf("contract %s: %s failed (%s): %v", e.Contract, e.Method, e.Context, e.Err)
}

func (e *CallFailedError) Unwrap() error {
	return e.Err
}
