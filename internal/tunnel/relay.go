// internal/tunnel/relay.go

// Package tunnel relays arbitrary binary streams between local TCP sockets
// and remote direct-tcpip channels, and owns the per-port listeners that
// produce those relays.
package tunnel

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"sshdeck/internal/mux"
)

// Relay pumps bytes bidirectionally between one local stream and one remote
// channel until either side closes or errors. A single relay value owns both
// endpoints; the two pump goroutines share nothing but it, so teardown is
// "close both ends, both pumps exit".
type Relay struct {
	id     string
	local  net.Conn
	remote *mux.Channel
	logger *slog.Logger

	sent     atomic.Int64 // local -> remote
	received atomic.Int64 // remote -> local

	done      chan struct{}
	closeOnce sync.Once
}

// NewRelay pairs an accepted local connection with an already-open channel.
func NewRelay(local net.Conn, remote *mux.Channel, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		id:     uuid.NewString(),
		local:  local,
		remote: remote,
		logger: logger.With("relay", local.RemoteAddr().String()),
		done:   make(chan struct{}),
	}
	return r
}

// ID returns the relay identifier.
func (r *Relay) ID() string { return r.id }

// Run relays until both directions have finished, then fully closes both
// sides. Each direction is a blocking copy with a fixed buffer: a slow
// consumer stalls the producing side instead of growing a queue, and nothing
// is dropped. EOF on one side half-closes the other so in-flight bytes still
// drain before the full close.
func (r *Relay) Run() {
	// A full close of the remote channel (remote error, transport teardown)
	// must take the whole relay down: the local pump would otherwise stay
	// blocked in Read on an idle client that never hangs up.
	go func() {
		select {
		case <-r.remote.Done():
			r.Close()
		case <-r.done:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, err := io.Copy(r.remote, r.local)
		r.sent.Add(n)
		if err != nil {
			r.logger.Debug("local to remote copy ended", "bytes", n, "error", err)
		}
		_ = r.remote.CloseWrite()
	}()

	go func() {
		defer wg.Done()
		n, err := io.Copy(r.local, r.remote)
		r.received.Add(n)
		if err != nil {
			r.logger.Debug("remote to local copy ended", "bytes", n, "error", err)
		}
		if cw, ok := r.local.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
	}()

	wg.Wait()
	r.Close()
}

// Close force-closes both endpoints. Safe to call concurrently with Run; the
// pumps observe the closed streams and exit.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		r.local.Close()
		r.remote.Close()
		close(r.done)
	})
}

// Done is closed once the relay has fully shut down.
func (r *Relay) Done() <-chan struct{} { return r.done }

// Stats returns bytes relayed local-to-remote and remote-to-local.
func (r *Relay) Stats() (sent, received int64) {
	return r.sent.Load(), r.received.Load()
}
