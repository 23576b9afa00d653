// internal/session/registry.go

// Package session maps UI-visible tabs (terminal sessions and tunnel tabs) to
// pooled transports and channels, owns the active-tab selection, and applies
// the lazy reconnect policy: switching tabs performs no I/O, connecting does.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"sshdeck/internal/mux"
	"sshdeck/internal/transport"
	"sshdeck/internal/tunnel"
)

// Tab is anything the registry tracks in tab order.
type Tab interface {
	TabID() string
}

// Registry is the top-level orchestrator. It does not own the pool or the
// multiplexer; both are constructed at client startup and injected.
type Registry struct {
	pool   *transport.Pool
	mux    *mux.Multiplexer
	logger *slog.Logger

	mu     sync.Mutex
	tabs   []Tab
	active Tab
}

func NewRegistry(pool *transport.Pool, m *mux.Multiplexer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		pool:   pool,
		mux:    m,
		logger: logger.With("component", "registry"),
	}
}

// CreateSession allocates a disconnected session tab and makes it active.
// No I/O happens until Connect.
func (r *Registry) CreateSession(cfg EndpointConfig) *Session {
	s := newSession(cfg)
	r.mu.Lock()
	r.tabs = append(r.tabs, s)
	r.active = s
	r.mu.Unlock()
	r.logger.Debug("session created", "session", s.id, "endpoint", cfg.Endpoint.String())
	return s
}

// Connect acquires a transport, opens an interactive channel, wires the
// session's consumer and transitions it to connected. rejoinID, when
// non-empty, is passed to the remote side unchanged. A failed attempt leaves
// the session in error state; a later Connect retries from scratch.
func (r *Registry) Connect(ctx context.Context, s *Session, rejoinID string) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state == StateConnecting {
		s.mu.Unlock()
		return ErrConnectInProgress
	}
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.state = StateConnecting
	s.reason = nil
	s.cancel = cancel
	s.mu.Unlock()

	t, err := r.pool.Acquire(ctx, s.cfg.Endpoint, s.cfg.Auth)
	if err != nil {
		r.failConnect(s, err)
		return fmt.Errorf("connect %s: %w", s.cfg.Endpoint, err)
	}

	s.mu.Lock()
	s.releaseOnce = &sync.Once{}
	s.release = func() { r.pool.Release(t) }
	s.mu.Unlock()

	ch, err := r.mux.OpenInteractive(ctx, t, mux.InteractiveOptions{
		Term:     s.cfg.Term,
		Cols:     s.cfg.Cols,
		Rows:     s.cfg.Rows,
		RejoinID: rejoinID,
		Sink:     s.handleData,
		OnClose:  func(reason error) { r.onChannelClosed(s, reason) },
	})
	if err != nil {
		s.releaseTransport()
		r.failConnect(s, err)
		return fmt.Errorf("connect %s: %w", s.cfg.Endpoint, err)
	}

	s.mu.Lock()
	if s.closing {
		// Closed while the open was in flight: the channel must not be
		// activated.
		s.mu.Unlock()
		ch.Close()
		s.releaseTransport()
		return ErrSessionClosed
	}
	if ch.Closed() {
		// The channel died between the open resolving and activation. The
		// close callback records the reason and releases the transport; do
		// not overwrite that with a connected state holding a dead channel.
		reason := s.reason
		s.cancel = nil
		s.mu.Unlock()
		s.releaseTransport()
		if reason == nil {
			reason = errors.New("channel closed during connect")
		}
		return fmt.Errorf("connect %s: %w", s.cfg.Endpoint, reason)
	}
	s.channel = ch
	s.state = StateConnected
	s.cancel = nil
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	r.logger.Debug("session connected", "session", s.id, "endpoint", s.cfg.Endpoint.String())
	return nil
}

func (r *Registry) failConnect(s *Session, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = nil
	if s.closing {
		return
	}
	s.state = StateError
	s.reason = err
}

// onChannelClosed handles channel termination that the session did not
// initiate: remote close or a transport-level error broadcast.
func (r *Registry) onChannelClosed(s *Session, reason error) {
	s.mu.Lock()
	if !s.closing {
		s.channel = nil
		if reason != nil {
			s.state = StateError
			s.reason = reason
		} else {
			s.state = StateRemotelyClosed
		}
	}
	s.closeDoneLocked()
	s.mu.Unlock()
	s.releaseTransport()
}

// CloseSession closes the channel, releases the transport reference, removes
// the tab and selects a successor if the closed tab was active. A cleanup
// pass over the pool runs afterwards.
func (r *Registry) CloseSession(s *Session) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	ch := s.channel
	s.channel = nil
	s.state = StateDisconnected
	s.closeDoneLocked()
	s.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	s.releaseTransport()

	r.removeTab(s)
	r.CleanupUnusedConnections()
	r.logger.Debug("session closed", "session", s.id)
}

// SwitchTo changes only the active-tab pointer; it performs no I/O. A tab may
// stay disconnected until selected and connected by the caller.
func (r *Registry) SwitchTo(tab Tab) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tabs {
		if t == tab {
			r.active = tab
			return
		}
	}
}

// Active returns the active tab, or nil when no tabs remain.
func (r *Registry) Active() Tab {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Tabs returns the tabs in tab order.
func (r *Registry) Tabs() []Tab {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Tab, len(r.tabs))
	copy(out, r.tabs)
	return out
}

// CleanupUnusedConnections releases transports with zero referencing tabs
// whose idle grace has elapsed.
func (r *Registry) CleanupUnusedConnections() {
	r.pool.CleanupUnused()
}

// removeTab drops the tab and, if it was active, selects the previous tab in
// tab order (the first remaining one when there is no previous).
func (r *Registry) removeTab(tab Tab) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.tabs {
		if t != tab {
			continue
		}
		r.tabs = append(r.tabs[:i], r.tabs[i+1:]...)
		if r.active == tab {
			switch {
			case len(r.tabs) == 0:
				r.active = nil
			case i > 0:
				r.active = r.tabs[i-1]
			default:
				r.active = r.tabs[0]
			}
		}
		return
	}
}

// TunnelTab is a web/tunnel tab: one forwarded port backed by a port
// forwarding engine on a pooled transport.
type TunnelTab struct {
	id         string
	transport  *transport.Transport
	remoteHost string
	remotePort int

	forwarder *tunnel.Forwarder
	release   sync.Once
	pool      *transport.Pool
}

func (t *TunnelTab) TabID() string { return t.id }

func (t *TunnelTab) RemoteHost() string { return t.remoteHost }

func (t *TunnelTab) RemotePort() int { return t.remotePort }

// LocalPort returns the bound local port while the tunnel is running.
func (t *TunnelTab) LocalPort() int { return t.forwarder.BoundPort() }

// Running reports whether the tunnel is accepting connections.
func (t *TunnelTab) Running() bool { return t.forwarder.Running() }

// Stats aggregates relayed byte counts for the tab.
func (t *TunnelTab) Stats() (sent, received int64) { return t.forwarder.Stats() }

// OpenTunnel acquires a transport for the endpoint, starts a port forwarder
// to remoteHost:remotePort and registers the tunnel as the active tab.
// localPort 0 picks any free port.
func (r *Registry) OpenTunnel(ctx context.Context, cfg EndpointConfig, remoteHost string, remotePort, localPort int) (*TunnelTab, error) {
	t, err := r.pool.Acquire(ctx, cfg.Endpoint, cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("open tunnel to %s: %w", cfg.Endpoint, err)
	}

	fw := tunnel.NewForwarder(r.mux, t, remoteHost, remotePort, r.logger)
	if _, err := fw.Start(localPort); err != nil {
		r.pool.Release(t)
		return nil, fmt.Errorf("open tunnel to %s: %w", cfg.Endpoint, err)
	}

	tt := &TunnelTab{
		id:         uuid.NewString(),
		transport:  t,
		remoteHost: remoteHost,
		remotePort: remotePort,
		forwarder:  fw,
		pool:       r.pool,
	}

	r.mu.Lock()
	r.tabs = append(r.tabs, tt)
	r.active = tt
	r.mu.Unlock()

	r.logger.Debug("tunnel opened", "tab", tt.id,
		"local_port", fw.BoundPort(), "remote_port", remotePort)
	return tt, nil
}

// CloseTunnel stops the forwarder, releases the transport reference and
// removes the tab.
func (r *Registry) CloseTunnel(tt *TunnelTab) {
	tt.forwarder.Stop()
	tt.release.Do(func() { tt.pool.Release(tt.transport) })
	r.removeTab(tt)
	r.CleanupUnusedConnections()
	r.logger.Debug("tunnel closed", "tab", tt.id)
}

// Close tears down every tab. The pool is owned by the caller and is not
// closed here.
func (r *Registry) Close() {
	r.mu.Lock()
	tabs := make([]Tab, len(r.tabs))
	copy(tabs, r.tabs)
	r.mu.Unlock()

	for _, tab := range tabs {
		switch t := tab.(type) {
		case *Session:
			r.CloseSession(t)
		case *TunnelTab:
			r.CloseTunnel(t)
		}
	}
}
