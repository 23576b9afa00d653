// internal/transport/transport.go

package transport

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// State describes the lifecycle of a transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Transport is one authenticated SSH connection capable of hosting multiple
// multiplexed channels. It is owned exclusively by the Pool; channel owners
// hold it only for as long as their pool reference is live.
type Transport struct {
	endpoint Endpoint
	client   *ssh.Client
	logger   *slog.Logger

	mu      sync.RWMutex
	state   State
	lastErr error

	done     chan struct{}
	doneOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
}

func newTransport(endpoint Endpoint, client *ssh.Client, keepalive time.Duration, logger *slog.Logger) *Transport {
	t := &Transport{
		endpoint: endpoint,
		client:   client,
		logger:   logger.With("endpoint", endpoint.String()),
		state:    StateConnected,
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
	go t.watch()
	if keepalive > 0 {
		go t.keepAliveLoop(keepalive)
	}
	return t
}

// Client exposes the underlying SSH client for channel opens.
func (t *Transport) Client() *ssh.Client { return t.client }

func (t *Transport) Endpoint() Endpoint { return t.endpoint }

func (t *Transport) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Err returns the error that terminated the transport, if any.
func (t *Transport) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastErr
}

// Alive reports whether the transport can still host new channels.
func (t *Transport) Alive() bool { return t.State() == StateConnected }

// Done is closed when the transport stops being usable, whether by error or
// by an explicit Close. Consumers cascade their own teardown from it.
func (t *Transport) Done() <-chan struct{} { return t.done }

// watch blocks until the underlying connection dies and records the reason.
// ssh.Client.Wait returns on any connection-level failure; everything built
// on this transport cascades its teardown from here.
func (t *Transport) watch() {
	err := t.client.Wait()

	t.mu.Lock()
	if t.state != StateDisconnected {
		t.state = StateError
		t.lastErr = err
	}
	t.mu.Unlock()

	t.stopOnce.Do(func() { close(t.stop) })
	t.doneOnce.Do(func() { close(t.done) })
	if err != nil {
		t.logger.Debug("transport terminated", "error", err)
	}
}

func (t *Transport) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				t.logger.Debug("keepalive failed", "error", err)
				t.Close()
				return
			}
		case <-t.stop:
			return
		}
	}
}

// Close tears the connection down. Safe to call multiple times.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.state = StateDisconnected
	t.mu.Unlock()

	t.stopOnce.Do(func() { close(t.stop) })
	err := t.client.Close()
	t.doneOnce.Do(func() { close(t.done) })
	return err
}
