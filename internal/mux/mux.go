// internal/mux/mux.go

// Package mux opens and tracks logical channels (interactive shells,
// direct-tcpip tunnels) on top of pooled transports, and propagates
// transport-level failures to every channel built on the failing transport.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"sshdeck/internal/transport"
)

// ChannelOpenError reports a refused or failed channel request. Only the
// requesting consumer is affected; the transport survives.
type ChannelOpenError struct {
	Target string
	Err    error
}

func (e *ChannelOpenError) Error() string {
	return fmt.Sprintf("open channel to %s: %v", e.Target, e.Err)
}

func (e *ChannelOpenError) Unwrap() error { return e.Err }

// InteractiveOptions configures an interactive channel open.
type InteractiveOptions struct {
	Term string
	Cols int
	Rows int
	// RejoinID, when set, is passed to the remote side unchanged as the
	// REJOIN_ID environment request before the shell starts.
	RejoinID string
	// Sink receives inbound data in order. Required for interactive channels.
	Sink Sink
	// OnClose fires exactly once when the channel closes. A nil reason means
	// clean local or remote close; non-nil carries the triggering error.
	OnClose func(err error)
}

// Multiplexer tracks channels per transport. One multiplexer serves all
// transports in the process.
type Multiplexer struct {
	logger *slog.Logger

	mu       sync.Mutex
	channels map[*transport.Transport]map[*Channel]struct{}
	watched  map[*transport.Transport]struct{}
}

func New(logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		logger:   logger.With("component", "mux"),
		channels: make(map[*transport.Transport]map[*Channel]struct{}),
		watched:  make(map[*transport.Transport]struct{}),
	}
}

// terminalModes mirror a plain interactive terminal; the remote PTY merges
// stderr into the stream so a single read loop sees everything.
var terminalModes = ssh.TerminalModes{
	ssh.ECHO:          1,
	ssh.TTY_OP_ISPEED: 14400,
	ssh.TTY_OP_OSPEED: 14400,
}

// OpenInteractive requests a remote PTY and shell on the transport and
// resolves once the remote end has acknowledged both. Cancelling ctx abandons
// the open; a channel that finishes opening after cancellation is closed
// immediately rather than activated.
func (m *Multiplexer) OpenInteractive(ctx context.Context, t *transport.Transport, opts InteractiveOptions) (*Channel, error) {
	if opts.Sink == nil {
		return nil, errors.New("interactive channel requires a sink")
	}
	if opts.Term == "" {
		opts.Term = "xterm-256color"
	}
	if opts.Cols <= 0 || opts.Rows <= 0 {
		opts.Cols, opts.Rows = 80, 24
	}

	type result struct {
		ch  *Channel
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		ch, err := m.openInteractive(t, opts)
		resCh <- result{ch, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-resCh; res.ch != nil {
				res.ch.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-resCh:
		return res.ch, res.err
	}
}

func (m *Multiplexer) openInteractive(t *transport.Transport, opts InteractiveOptions) (*Channel, error) {
	sess, err := t.Client().NewSession()
	if err != nil {
		return nil, &ChannelOpenError{Target: t.Endpoint().String(), Err: err}
	}

	if opts.RejoinID != "" {
		// Best effort: servers that do not accept the env request still get
		// a usable shell.
		_ = sess.Setenv("REJOIN_ID", opts.RejoinID)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, &ChannelOpenError{Target: t.Endpoint().String(), Err: err}
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, &ChannelOpenError{Target: t.Endpoint().String(), Err: err}
	}

	if err := sess.RequestPty(opts.Term, opts.Rows, opts.Cols, terminalModes); err != nil {
		sess.Close()
		return nil, &ChannelOpenError{Target: t.Endpoint().String(), Err: fmt.Errorf("request pty: %w", err)}
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, &ChannelOpenError{Target: t.Endpoint().String(), Err: fmt.Errorf("start shell: %w", err)}
	}

	ch := &Channel{
		id:         uuid.NewString(),
		kind:       KindInteractive,
		w:          stdin,
		r:          stdout,
		closeWrite: stdin.Close,
		closeAll:   func() error { return sess.Close() },
		sess:       sess,
		sink:       opts.Sink,
		onClose:    opts.OnClose,
		done:       make(chan struct{}),
	}
	m.register(t, ch)

	go ch.readLoop()
	go func() {
		// Wait returns when the remote shell exits or the connection drops.
		werr := sess.Wait()
		ch.closeWithError(remoteCloseReason(werr))
	}()

	m.logger.Debug("interactive channel opened", "channel", ch.id, "endpoint", t.Endpoint().String())
	return ch, nil
}

// remoteCloseReason maps a shell exit to a clean close; anything else is a
// genuine channel error.
func remoteCloseReason(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	if errors.As(err, &exitErr) || errors.As(err, &missing) {
		return nil
	}
	return err
}

// OpenDirectTCPIP requests a tunnel channel carrying raw bytes to
// targetHost:targetPort on the remote side. With a nil sink the caller reads
// the channel directly, which is how relays get blocking backpressure.
func (m *Multiplexer) OpenDirectTCPIP(ctx context.Context, t *transport.Transport, targetHost string, targetPort int, sink Sink, onClose func(error)) (*Channel, error) {
	target := net.JoinHostPort(targetHost, strconv.Itoa(targetPort))

	conn, err := t.Client().DialContext(ctx, "tcp", target)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ChannelOpenError{Target: target, Err: err}
	}

	ch := &Channel{
		id:       uuid.NewString(),
		kind:     KindDirectTCPIP,
		w:        conn,
		r:        conn,
		closeAll: conn.Close,
		sink:     sink,
		onClose:  onClose,
		done:     make(chan struct{}),
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		ch.closeWrite = cw.CloseWrite
	}
	m.register(t, ch)

	if sink != nil {
		go ch.readLoop()
	}

	m.logger.Debug("direct-tcpip channel opened", "channel", ch.id, "target", target)
	return ch, nil
}

func (m *Multiplexer) register(t *transport.Transport, ch *Channel) {
	ch.unregister = func(c *Channel) { m.remove(t, c) }

	m.mu.Lock()
	set, ok := m.channels[t]
	if !ok {
		set = make(map[*Channel]struct{})
		m.channels[t] = set
	}
	set[ch] = struct{}{}
	if _, ok := m.watched[t]; !ok {
		m.watched[t] = struct{}{}
		go m.watchTransport(t)
	}
	m.mu.Unlock()
}

func (m *Multiplexer) remove(t *transport.Transport, ch *Channel) {
	m.mu.Lock()
	if set, ok := m.channels[t]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(m.channels, t)
		}
	}
	m.mu.Unlock()
}

// watchTransport cascades transport death onto every open channel as a
// terminal close carrying the triggering error.
func (m *Multiplexer) watchTransport(t *transport.Transport) {
	<-t.Done()

	reason := t.Err()
	if reason == nil {
		reason = errors.New("transport closed")
	}

	m.mu.Lock()
	set := m.channels[t]
	delete(m.channels, t)
	delete(m.watched, t)
	victims := make([]*Channel, 0, len(set))
	for ch := range set {
		victims = append(victims, ch)
	}
	m.mu.Unlock()

	for _, ch := range victims {
		ch.closeWithError(reason)
	}
	if len(victims) > 0 {
		m.logger.Debug("transport teardown cascaded", "endpoint", t.Endpoint().String(), "channels", len(victims))
	}
}

// OpenChannels reports the number of live channels on the transport.
func (m *Multiplexer) OpenChannels(t *transport.Transport) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels[t])
}
