// internal/mux/channel.go

package mux

import (
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Kind distinguishes the two channel flavors carried over a transport.
type Kind int

const (
	// KindInteractive maps to a remote shell with a PTY.
	KindInteractive Kind = iota
	// KindDirectTCPIP maps to one TCP connection on the remote side.
	KindDirectTCPIP
)

func (k Kind) String() string {
	if k == KindInteractive {
		return "interactive"
	}
	return "direct-tcpip"
}

// ErrChannelClosed is returned by Write and Read after the channel closed.
var ErrChannelClosed = errors.New("channel closed")

// Sink consumes inbound channel data. Chunks arrive in the order the bytes
// were received from the transport and never after the channel has closed.
type Sink func(data []byte)

// Channel is a logical stream multiplexed over one transport. A channel never
// outlives its transport: the multiplexer cascades a terminal close onto
// every channel when the transport dies.
type Channel struct {
	id   string
	kind Kind

	w          io.Writer
	r          io.Reader
	closeWrite func() error
	closeAll   func() error
	sess       *ssh.Session // interactive only

	sink       Sink
	onClose    func(err error)
	unregister func(c *Channel)

	writeMu sync.Mutex
	cwOnce  sync.Once

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// ID returns the channel identifier.
func (c *Channel) ID() string { return c.id }

// Kind returns the channel flavor.
func (c *Channel) Kind() Kind { return c.kind }

// Closed reports whether the channel has fully closed.
func (c *Channel) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Done is closed when the channel fully closes, whatever the trigger: local
// close, remote close or transport teardown. Consumers that block on the
// channel's streams select on it to unblock.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Write sends bytes to the remote side. Writes issued in sequence are
// transmitted in that sequence; the call blocks while the remote window is
// exhausted, which is the transport-level flow control contract.
func (c *Channel) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.Closed() {
		return 0, ErrChannelClosed
	}
	return c.w.Write(p)
}

// Read pulls inbound bytes directly. Only valid on channels opened without a
// sink (the tunnel relay path); sink-driven channels own their read loop.
func (c *Channel) Read(p []byte) (int, error) {
	if c.sink != nil {
		return 0, errors.New("channel is sink-driven")
	}
	if c.Closed() {
		return 0, io.EOF
	}
	return c.r.Read(p)
}

// CloseWrite shuts down the write direction only, signalling EOF to the
// remote side while the read direction stays open.
func (c *Channel) CloseWrite() error {
	var err error
	c.cwOnce.Do(func() {
		if c.closeWrite != nil {
			err = c.closeWrite()
		}
	})
	return err
}

// Close performs a half-close followed by a full close of the underlying
// stream. The inbound sink is guaranteed not to fire afterwards. Safe to call
// multiple times.
func (c *Channel) Close() error {
	return c.closeWithError(nil)
}

// Resize adjusts the remote PTY dimensions on an interactive channel.
func (c *Channel) Resize(cols, rows int) error {
	if c.sess == nil {
		return errors.New("resize on non-interactive channel")
	}
	if c.Closed() {
		return ErrChannelClosed
	}
	return c.sess.WindowChange(rows, cols)
}

func (c *Channel) closeWithError(reason error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)

	_ = c.CloseWrite()
	var err error
	if c.closeAll != nil {
		err = c.closeAll()
	}
	if c.unregister != nil {
		c.unregister(c)
	}
	if c.onClose != nil {
		c.onClose(reason)
	}
	return err
}

// readLoop drives the sink for channels opened with one. It is the single
// reader of the inbound stream, so sink invocations preserve receive order.
func (c *Channel) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := c.r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			c.mu.RLock()
			closed := c.closed
			if !closed {
				c.sink(chunk)
			}
			c.mu.RUnlock()
			if closed {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
