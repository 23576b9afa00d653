// internal/transport/errors.go

package transport

import (
	"errors"
	"fmt"
)

// ErrAuthenticationFailed marks handshake failures caused by rejected
// credentials, as opposed to network trouble.
var ErrAuthenticationFailed = errors.New("authentication failed")

// ErrPoolClosed is returned by Acquire after the pool has been shut down.
var ErrPoolClosed = errors.New("transport pool closed")

// TransportError wraps a handshake, auth or network failure on one endpoint.
// The pooled transport (if any) has been evicted by the time this surfaces.
type TransportError struct {
	Endpoint Endpoint
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
