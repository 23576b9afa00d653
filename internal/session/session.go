// internal/session/session.go

package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"sshdeck/internal/mux"
	"sshdeck/internal/transport"
)

// State is the lifecycle of a terminal session tab.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
	StateRemotelyClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateRemotelyClosed:
		return "remotely closed"
	default:
		return "unknown"
	}
}

var (
	ErrSessionClosed     = errors.New("session closed")
	ErrNotConnected      = errors.New("session not connected")
	ErrConnectInProgress = errors.New("connect already in progress")
)

// Consumer is the display sink for a session: it accepts inbound byte chunks
// in receive order.
type Consumer interface {
	Receive(data []byte)
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(data []byte)

func (f ConsumerFunc) Receive(data []byte) { f(data) }

// EndpointConfig describes where and how a session connects.
type EndpointConfig struct {
	Endpoint transport.Endpoint
	Auth     transport.Authenticator
	Term     string
	Cols     int
	Rows     int
	// ScrollbackBytes overrides the display cache size; 0 means default.
	ScrollbackBytes int
}

// Session is one terminal tab. It holds at most one live interactive channel
// and buffers all inbound data in a bounded scrollback ring for replay into
// a freshly attached consumer.
type Session struct {
	id  string
	cfg EndpointConfig

	mu      sync.Mutex
	state   State
	reason  error
	channel *mux.Channel
	closing bool
	cancel  func() // cancels an in-flight connect
	doneCh  chan struct{}

	// deliverMu serializes scrollback writes, consumer dispatch and replay.
	// It is separate from mu so a consumer may call back into the session
	// (SendInput, Resize) from inside Receive without deadlocking.
	deliverMu  sync.Mutex
	consumer   Consumer
	scrollback *Scrollback

	releaseOnce *sync.Once
	release     func()
}

func newSession(cfg EndpointConfig) *Session {
	return &Session{
		id:         uuid.NewString(),
		cfg:        cfg,
		state:      StateDisconnected,
		scrollback: NewScrollback(cfg.ScrollbackBytes),
	}
}

// TabID implements Tab.
func (s *Session) TabID() string { return s.id }

func (s *Session) Endpoint() transport.Endpoint { return s.cfg.Endpoint }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session into StateError or
// StateRemotelyClosed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Scrollback exposes the display cache, primarily for replay and inspection.
func (s *Session) Scrollback() *Scrollback { return s.scrollback }

// Done returns a channel closed when the current connection ends, whether by
// local close, remote close or transport failure. A session that is not
// connected yields an already-closed channel.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doneCh == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.doneCh
}

// closeDoneLocked signals the end of the current connection. Callers hold mu.
func (s *Session) closeDoneLocked() {
	if s.doneCh != nil {
		close(s.doneCh)
		s.doneCh = nil
	}
}

// AttachConsumer installs the display sink and replays the buffered
// scrollback into it exactly once. Data arriving afterwards is delivered
// live; every buffered byte is delivered once, either by the replay or by a
// live call, never both. The consumer may call SendInput or Resize from
// inside Receive.
func (s *Session) AttachConsumer(c Consumer) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.consumer = c
	if c != nil {
		if buffered := s.scrollback.Bytes(); len(buffered) > 0 {
			c.Receive(buffered)
		}
	}
}

// SendInput transmits user input bytes over the interactive channel.
func (s *Session) SendInput(p []byte) error {
	s.mu.Lock()
	ch := s.channel
	state := s.state
	s.mu.Unlock()

	if state != StateConnected || ch == nil {
		return ErrNotConnected
	}
	_, err := ch.Write(p)
	return err
}

// Resize propagates new terminal dimensions to the remote PTY.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.Resize(cols, rows)
}

// handleData is the channel sink: scrollback first, then the live consumer.
// deliverMu serializes it against AttachConsumer so replay and live delivery
// never overlap or reorder.
func (s *Session) handleData(data []byte) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	_, _ = s.scrollback.Write(data)
	if s.consumer != nil {
		s.consumer.Receive(data)
	}
}

// releaseTransport drops this session's pool reference at most once per
// connect attempt.
func (s *Session) releaseTransport() {
	s.mu.Lock()
	once, release := s.releaseOnce, s.release
	s.mu.Unlock()
	if once != nil && release != nil {
		once.Do(release)
	}
}
