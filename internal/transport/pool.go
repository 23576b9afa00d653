// internal/transport/pool.go

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultIdleGrace      = 10 * time.Second
	DefaultKeepalive      = 30 * time.Second
)

// DialFunc establishes the SSH client connection; override in tests.
type DialFunc func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error)

func defaultDial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	// Bound the handshake as well as the TCP dial; an unanswered version
	// exchange must not hang the in-flight connect forever.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// Options configures a Pool. Zero values fall back to the defaults above.
type Options struct {
	ConnectTimeout  time.Duration
	IdleGrace       time.Duration
	Keepalive       time.Duration
	HostKeyCallback ssh.HostKeyCallback
	Dial            DialFunc
	Logger          *slog.Logger
}

// Pool owns transports keyed by endpoint identity and reference-counts them
// by active consumers. At most one transport exists per endpoint at any time;
// concurrent Acquire calls for the same endpoint collapse into a single
// handshake. Transports released to zero references survive for an idle grace
// period so tab-switch churn does not pay repeated handshake cost.
type Pool struct {
	connectTimeout time.Duration
	idleGrace      time.Duration
	keepalive      time.Duration
	hostKeys       ssh.HostKeyCallback
	dial           DialFunc
	logger         *slog.Logger

	mu      sync.Mutex
	entries map[string]*poolEntry
	closed  bool
	flight  singleflight.Group
}

type poolEntry struct {
	transport *Transport
	refs      int
	idleSince time.Time
	idleTimer *time.Timer
}

// NewPool builds a pool. The pool is an explicitly owned value: construct it
// at client startup, pass it to the session registry, Close it on shutdown.
func NewPool(opts Options) *Pool {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.IdleGrace < 0 {
		opts.IdleGrace = DefaultIdleGrace
	}
	if opts.Keepalive == 0 {
		opts.Keepalive = DefaultKeepalive
	}
	if opts.HostKeyCallback == nil {
		opts.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	if opts.Dial == nil {
		opts.Dial = defaultDial
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pool{
		connectTimeout: opts.ConnectTimeout,
		idleGrace:      opts.IdleGrace,
		keepalive:      opts.Keepalive,
		hostKeys:       opts.HostKeyCallback,
		dial:           opts.Dial,
		logger:         opts.Logger.With("component", "transport-pool"),
		entries:        make(map[string]*poolEntry),
	}
}

// Acquire returns a connected transport for the endpoint, reusing an existing
// one when possible. The caller owns one reference and must pair every
// successful Acquire with a Release. A transport found in error state is
// evicted first and a fresh handshake is performed. Cancelling ctx detaches
// this caller; the shared handshake keeps running for any other waiters.
func (p *Pool) Acquire(ctx context.Context, endpoint Endpoint, auth Authenticator) (*Transport, error) {
	key := endpoint.key()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if e, ok := p.entries[key]; ok {
		if e.transport.Alive() {
			p.retainLocked(e)
			p.mu.Unlock()
			return e.transport, nil
		}
		p.evictLocked(key, e)
	}
	p.mu.Unlock()

	ch := p.flight.DoChan(key, func() (interface{}, error) {
		return p.connect(endpoint, auth)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		t := res.Val.(*Transport)

		p.mu.Lock()
		defer p.mu.Unlock()
		e, ok := p.entries[key]
		if !ok || e.transport != t || !t.Alive() {
			// Died between handshake completion and this retain.
			err := t.Err()
			if err == nil {
				err = errors.New("transport closed during acquire")
			}
			return nil, &TransportError{Endpoint: endpoint, Err: err}
		}
		p.retainLocked(e)
		return t, nil
	}
}

// connect performs the handshake for a single flight. It runs under its own
// timeout rather than any one caller's context: one cancelled waiter must not
// abort the attempt that the remaining waiters share.
func (p *Pool) connect(endpoint Endpoint, auth Authenticator) (*Transport, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.connectTimeout)
	defer cancel()

	methods, err := auth.Methods(ctx, endpoint)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}

	cfg := &ssh.ClientConfig{
		User:            endpoint.User,
		Auth:            methods,
		HostKeyCallback: p.hostKeys,
		Timeout:         p.connectTimeout,
	}

	p.logger.Debug("connecting", "endpoint", endpoint.String())
	client, err := p.dial(ctx, endpoint.Addr(), cfg)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			err = &TransportError{Endpoint: endpoint, Err: ErrAuthenticationFailed}
		} else {
			err = &TransportError{Endpoint: endpoint, Err: err}
		}
		p.logger.Debug("connect failed", "endpoint", endpoint.String(), "error", err)
		return nil, err
	}

	t := newTransport(endpoint, client, p.keepalive, p.logger)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		t.Close()
		return nil, ErrPoolClosed
	}
	e := &poolEntry{transport: t, idleSince: time.Now()}
	p.entries[endpoint.key()] = e
	// Covers the window before the first retain: a caller that cancelled
	// while the flight was in progress leaves the entry unreferenced.
	p.scheduleTeardownLocked(endpoint.key(), e)
	p.mu.Unlock()

	go p.watchTransport(endpoint.key(), t)
	return t, nil
}

// watchTransport evicts the entry when its transport dies, so a dead
// transport can never be handed out on a later Acquire.
func (p *Pool) watchTransport(key string, t *Transport) {
	<-t.Done()
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok && e.transport == t {
		p.evictLocked(key, e)
	}
}

// Release drops one reference on the transport the caller acquired. When the
// count reaches zero the transport is scheduled for teardown after the idle
// grace period rather than torn down synchronously. A release for a transport
// that has since been evicted and replaced is ignored: it must not steal a
// reference from the successor transport of the same endpoint.
func (p *Pool) Release(t *Transport) {
	if t == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[t.endpoint.key()]
	if !ok || e.transport != t {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	if e.refs == 0 {
		e.idleSince = time.Now()
		p.scheduleTeardownLocked(t.endpoint.key(), e)
	}
}

// CleanupUnused sweeps entries that have been unreferenced for at least the
// grace period. The per-entry timers cover the common path; this sweep exists
// for explicit cleanup passes after tab closes and on shutdown.
func (p *Pool) CleanupUnused() {
	var victims []*Transport

	p.mu.Lock()
	for key, e := range p.entries {
		if e.refs == 0 && time.Since(e.idleSince) >= p.idleGrace {
			victims = append(victims, e.transport)
			p.dropLocked(key, e)
		}
	}
	p.mu.Unlock()

	for _, t := range victims {
		t.Close()
	}
}

// Len reports the number of pooled transports.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close tears down every pooled transport and rejects further Acquires.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	var victims []*Transport
	for key, e := range p.entries {
		victims = append(victims, e.transport)
		p.dropLocked(key, e)
	}
	p.mu.Unlock()

	for _, t := range victims {
		t.Close()
	}
}

// retainLocked takes a reference and cancels any pending idle teardown.
func (p *Pool) retainLocked(e *poolEntry) {
	e.refs++
	if e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}
}

// evictLocked removes the entry and closes its transport asynchronously.
// The mutex guards only the map mutation, never the close itself.
func (p *Pool) evictLocked(key string, e *poolEntry) {
	p.dropLocked(key, e)
	go e.transport.Close()
}

func (p *Pool) dropLocked(key string, e *poolEntry) {
	if e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}
	delete(p.entries, key)
}

func (p *Pool) scheduleTeardownLocked(key string, e *poolEntry) {
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	e.idleTimer = time.AfterFunc(p.idleGrace, func() {
		p.mu.Lock()
		cur, ok := p.entries[key]
		if !ok || cur != e || e.refs > 0 {
			p.mu.Unlock()
			return
		}
		p.dropLocked(key, e)
		p.mu.Unlock()
		e.transport.Close()
		p.logger.Debug("idle transport torn down", "endpoint", key)
	})
}
