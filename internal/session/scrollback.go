// internal/session/scrollback.go

package session

import "sync"

// DefaultScrollbackBytes is the per-session display cache capacity.
const DefaultScrollbackBytes = 256 * 1024

// Scrollback is a bounded byte ring capturing inbound session data for
// replay into a freshly attached consumer. Oldest bytes are dropped first.
// It is a display cache, not the source of truth for remote state.
type Scrollback struct {
	mu    sync.Mutex
	buf   []byte
	start int
	size  int
}

func NewScrollback(capacity int) *Scrollback {
	if capacity <= 0 {
		capacity = DefaultScrollbackBytes
	}
	return &Scrollback{buf: make([]byte, capacity)}
}

// Write appends p, evicting the oldest bytes when capacity is exceeded.
// Always succeeds.
func (s *Scrollback) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(p)
	capacity := len(s.buf)
	if n >= capacity {
		copy(s.buf, p[n-capacity:])
		s.start = 0
		s.size = capacity
		return n, nil
	}

	end := (s.start + s.size) % capacity
	first := copy(s.buf[end:], p)
	copy(s.buf, p[first:])

	s.size += n
	if s.size > capacity {
		s.start = (s.start + s.size - capacity) % capacity
		s.size = capacity
	}
	return n, nil
}

// Bytes returns the buffered suffix in arrival order.
func (s *Scrollback) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, s.size)
	first := copy(out, s.buf[s.start:min(s.start+s.size, len(s.buf))])
	copy(out[first:], s.buf[:s.size-first])
	return out
}

// Len reports the number of buffered bytes.
func (s *Scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}
