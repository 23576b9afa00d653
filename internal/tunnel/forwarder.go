// internal/tunnel/forwarder.go

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"sshdeck/internal/mux"
	"sshdeck/internal/transport"
)

// ErrNotRunning is returned by operations that require a started forwarder.
var ErrNotRunning = errors.New("forwarder not running")

// channelOpenTimeout bounds the per-connection direct-tcpip open so a slow
// remote cannot pile up half-accepted local connections.
const channelOpenTimeout = 15 * time.Second

// Forwarder owns one local listening socket and binds every accepted inbound
// connection to a freshly opened direct-tcpip channel via a Relay. Failures
// opening a channel refuse only that connection; the listener keeps serving.
type Forwarder struct {
	multiplexer *mux.Multiplexer
	transport   *transport.Transport
	remoteHost  string
	remotePort  int
	logger      *slog.Logger

	mu        sync.Mutex
	running   bool
	ln        net.Listener
	boundPort int
	relays    map[string]*Relay
	stop      context.CancelFunc
	stopCtx   context.Context

	wg sync.WaitGroup

	closedSent     int64
	closedReceived int64
}

// NewForwarder prepares a forwarder targeting remoteHost:remotePort over the
// given transport. Nothing listens until Start.
func NewForwarder(m *mux.Multiplexer, t *transport.Transport, remoteHost string, remotePort int, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		multiplexer: m,
		transport:   t,
		remoteHost:  remoteHost,
		remotePort:  remotePort,
		logger: logger.With("component", "forwarder",
			"target", net.JoinHostPort(remoteHost, strconv.Itoa(remotePort))),
		relays: make(map[string]*Relay),
	}
}

// Start binds a loopback listener on localPort (0 means any free port) and
// returns the actual bound port. Starting an already-running forwarder is a
// no-op that returns the existing bound port.
func (f *Forwarder) Start(localPort int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return f.boundPort, nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort)))
	if err != nil {
		return 0, fmt.Errorf("bind local port %d: %w", localPort, err)
	}

	f.ln = ln
	f.boundPort = ln.Addr().(*net.TCPAddr).Port
	f.running = true
	f.stopCtx, f.stop = context.WithCancel(context.Background())

	f.wg.Add(1)
	go f.acceptLoop(ln)

	f.logger.Debug("forwarding started", "local_port", f.boundPort)
	return f.boundPort, nil
}

// Stop closes the listener, cancels in-flight channel opens and closes all
// active relays. Stopping a forwarder that is not running is a no-op.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.stop()
	f.ln.Close()
	victims := make([]*Relay, 0, len(f.relays))
	for _, r := range f.relays {
		victims = append(victims, r)
	}
	f.mu.Unlock()

	for _, r := range victims {
		r.Close()
	}
	f.wg.Wait()
	f.logger.Debug("forwarding stopped")
}

// Running reports whether the listener is up.
func (f *Forwarder) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// BoundPort returns the local port the listener is bound to, or 0 when the
// forwarder is not running.
func (f *Forwarder) BoundPort() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return 0
	}
	return f.boundPort
}

// ActiveRelays reports the number of in-flight relays.
func (f *Forwarder) ActiveRelays() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.relays)
}

// Stats aggregates bytes relayed across live and finished relays.
func (f *Forwarder) Stats() (sent, received int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sent, received = f.closedSent, f.closedReceived
	for _, r := range f.relays {
		s, rcv := r.Stats()
		sent += s
		received += rcv
	}
	return sent, received
}

func (f *Forwarder) acceptLoop(ln net.Listener) {
	defer f.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		f.wg.Add(1)
		go f.handle(conn)
	}
}

// handle opens one direct-tcpip channel for the accepted connection and runs
// the relay to completion.
func (f *Forwarder) handle(conn net.Conn) {
	defer f.wg.Done()

	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		conn.Close()
		return
	}
	ctx := f.stopCtx
	f.mu.Unlock()

	openCtx, cancel := context.WithTimeout(ctx, channelOpenTimeout)
	ch, err := f.multiplexer.OpenDirectTCPIP(openCtx, f.transport, f.remoteHost, f.remotePort, nil, nil)
	cancel()
	if err != nil {
		f.logger.Debug("refusing inbound connection, channel open failed",
			"client", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}

	relay := NewRelay(conn, ch, f.logger)

	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		relay.Close()
		return
	}
	f.relays[relay.ID()] = relay
	f.mu.Unlock()

	relay.Run()

	sent, received := relay.Stats()
	f.mu.Lock()
	delete(f.relays, relay.ID())
	f.closedSent += sent
	f.closedReceived += received
	f.mu.Unlock()
}
