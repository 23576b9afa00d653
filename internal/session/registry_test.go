// internal/session/registry_test.go

package session_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sshdeck/internal/mux"
	"sshdeck/internal/session"
	"sshdeck/internal/sshtest"
	"sshdeck/internal/transport"
)

const testPassword = "hunter2"

type stack struct {
	pool     *transport.Pool
	registry *session.Registry
}

func newStack(t *testing.T, idleGrace time.Duration) *stack {
	t.Helper()
	pool := transport.NewPool(transport.Options{IdleGrace: idleGrace})
	t.Cleanup(pool.Close)
	reg := session.NewRegistry(pool, mux.New(nil), nil)
	t.Cleanup(reg.Close)
	return &stack{pool: pool, registry: reg}
}

func startServer(t *testing.T, opts sshtest.Options) *sshtest.Server {
	t.Helper()
	if opts.Password == "" {
		opts.Password = testPassword
	}
	srv, err := sshtest.New(opts)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func endpointConfig(srv *sshtest.Server) session.EndpointConfig {
	return session.EndpointConfig{
		Endpoint: transport.Endpoint{User: "tester", Host: "127.0.0.1", Port: srv.Port()},
		Auth:     transport.PasswordAuth(testPassword),
	}
}

// bufConsumer records received chunks in order.
type bufConsumer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *bufConsumer) Receive(data []byte) {
	c.mu.Lock()
	c.buf.Write(data)
	c.mu.Unlock()
}

func (c *bufConsumer) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out
}

func TestTwoSessionsShareOneTransport(t *testing.T) {
	srv := startServer(t, sshtest.Options{})
	st := newStack(t, time.Minute)

	a := st.registry.CreateSession(endpointConfig(srv))
	b := st.registry.CreateSession(endpointConfig(srv))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, s := range []*session.Session{a, b} {
		wg.Add(1)
		go func(i int, s *session.Session) {
			defer wg.Done()
			errs[i] = st.registry.Connect(context.Background(), s, "")
		}(i, s)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, session.StateConnected, a.State())
	require.Equal(t, session.StateConnected, b.State())
	require.Equal(t, 1, srv.Handshakes())
	require.Equal(t, 1, st.pool.Len())
}

func TestConnectIsGuardedAgainstDoubleEntry(t *testing.T) {
	srv := startServer(t, sshtest.Options{})
	st := newStack(t, time.Minute)

	s := st.registry.CreateSession(endpointConfig(srv))
	require.NoError(t, st.registry.Connect(context.Background(), s, ""))

	// Connecting a connected session is a no-op.
	require.NoError(t, st.registry.Connect(context.Background(), s, ""))
	require.Equal(t, 1, srv.Handshakes())
}

func TestScrollbackReplaysExactlyOnce(t *testing.T) {
	greeting := []byte("login banner\r\n$ ")
	srv := startServer(t, sshtest.Options{Greeting: greeting})
	st := newStack(t, time.Minute)

	s := st.registry.CreateSession(endpointConfig(srv))
	require.NoError(t, st.registry.Connect(context.Background(), s, ""))

	// Let the greeting land in the scrollback before any consumer exists.
	require.Eventually(t, func() bool {
		return s.Scrollback().Len() == len(greeting)
	}, 2*time.Second, 10*time.Millisecond)

	var con bufConsumer
	s.AttachConsumer(&con)
	require.Equal(t, greeting, con.bytes())

	// Live data flows once the consumer is attached, without re-replay.
	input := []byte("echo hi\n")
	require.NoError(t, s.SendInput(input))

	want := append(append([]byte{}, greeting...), input...)
	require.Eventually(t, func() bool {
		return bytes.Equal(con.bytes(), want)
	}, 2*time.Second, 10*time.Millisecond)

	// Consumer saw each byte exactly once: its view matches the scrollback.
	require.Equal(t, s.Scrollback().Bytes(), con.bytes())
}

// TestConnectWithInstantlyExitingShell covers the race between Connect
// activating the channel and the channel closing on its own: whichever side
// wins, the session must not end up looking connected with a dead channel
// and a Done signal that never fires.
func TestConnectWithInstantlyExitingShell(t *testing.T) {
	srv := startServer(t, sshtest.Options{ShellExits: true})
	st := newStack(t, time.Minute)

	for i := 0; i < 20; i++ {
		s := st.registry.CreateSession(endpointConfig(srv))
		err := st.registry.Connect(context.Background(), s, "")
		if err != nil {
			// The close won the race; the attempt failed cleanly.
			require.NotEqual(t, session.StateConnected, s.State())
			st.registry.CloseSession(s)
			continue
		}

		// Connect won the race: the remote exit must still be observable.
		select {
		case <-s.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("attempt %d: session never observed the remote exit", i)
		}
		require.NotEqual(t, session.StateConnected, s.State())
		st.registry.CloseSession(s)
	}
}

// reentrantConsumer sends input from inside Receive, once.
type reentrantConsumer struct {
	bufConsumer
	session *session.Session
	input   []byte
	once    sync.Once
	sendErr error
}

func (c *reentrantConsumer) Receive(data []byte) {
	c.bufConsumer.Receive(data)
	c.once.Do(func() { c.sendErr = c.session.SendInput(c.input) })
}

func TestConsumerMayReenterSessionFromReceive(t *testing.T) {
	greeting := []byte("$ ")
	srv := startServer(t, sshtest.Options{Greeting: greeting})
	st := newStack(t, time.Minute)

	s := st.registry.CreateSession(endpointConfig(srv))
	require.NoError(t, st.registry.Connect(context.Background(), s, ""))

	require.Eventually(t, func() bool {
		return s.Scrollback().Len() == len(greeting)
	}, 2*time.Second, 10*time.Millisecond)

	// The replay fires Receive, which synchronously calls back into the
	// session. This must neither deadlock nor fail.
	con := &reentrantConsumer{session: s, input: []byte("whoami\n")}
	s.AttachConsumer(con)
	require.NoError(t, con.sendErr)

	want := append(append([]byte{}, greeting...), []byte("whoami\n")...)
	require.Eventually(t, func() bool {
		return bytes.Equal(con.bytes(), want)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRemoteDropIsolatedPerEndpoint(t *testing.T) {
	srvA := startServer(t, sshtest.Options{})
	srvB := startServer(t, sshtest.Options{})
	st := newStack(t, time.Minute)

	a := st.registry.CreateSession(endpointConfig(srvA))
	b := st.registry.CreateSession(endpointConfig(srvB))
	require.NoError(t, st.registry.Connect(context.Background(), a, ""))
	require.NoError(t, st.registry.Connect(context.Background(), b, ""))

	srvA.DropConnections()

	require.Eventually(t, func() bool {
		return a.State() == session.StateError
	}, 2*time.Second, 10*time.Millisecond)
	require.Error(t, a.Err())

	// The other endpoint is untouched.
	require.Equal(t, session.StateConnected, b.State())
	require.NoError(t, b.SendInput([]byte("still alive\n")))
}

func TestCloseSessionSelectsPredecessor(t *testing.T) {
	srv := startServer(t, sshtest.Options{})
	st := newStack(t, time.Minute)

	first := st.registry.CreateSession(endpointConfig(srv))
	second := st.registry.CreateSession(endpointConfig(srv))
	third := st.registry.CreateSession(endpointConfig(srv))
	require.Equal(t, session.Tab(third), st.registry.Active())

	st.registry.CloseSession(third)
	require.Equal(t, session.Tab(second), st.registry.Active())

	// Closing a non-active tab leaves the selection alone.
	st.registry.SwitchTo(second)
	st.registry.CloseSession(first)
	require.Equal(t, session.Tab(second), st.registry.Active())

	st.registry.CloseSession(second)
	require.Nil(t, st.registry.Active())
	require.Empty(t, st.registry.Tabs())
}

func TestCloseSessionReleasesTransport(t *testing.T) {
	srv := startServer(t, sshtest.Options{})
	st := newStack(t, 50*time.Millisecond)

	s := st.registry.CreateSession(endpointConfig(srv))
	require.NoError(t, st.registry.Connect(context.Background(), s, ""))
	require.Equal(t, 1, st.pool.Len())

	st.registry.CloseSession(s)
	require.Eventually(t, func() bool {
		return st.pool.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session done channel not closed")
	}
}

func TestSwitchToPerformsNoIO(t *testing.T) {
	srv := startServer(t, sshtest.Options{})
	st := newStack(t, time.Minute)

	a := st.registry.CreateSession(endpointConfig(srv))
	b := st.registry.CreateSession(endpointConfig(srv))
	require.Equal(t, session.Tab(b), st.registry.Active())

	st.registry.SwitchTo(a)
	require.Equal(t, session.Tab(a), st.registry.Active())
	require.Equal(t, session.StateDisconnected, a.State())
	require.Equal(t, session.StateDisconnected, b.State())
	require.Equal(t, 0, srv.Handshakes())
}

func TestSendInputRequiresConnection(t *testing.T) {
	srv := startServer(t, sshtest.Options{})
	st := newStack(t, time.Minute)

	s := st.registry.CreateSession(endpointConfig(srv))
	require.ErrorIs(t, s.SendInput([]byte("x")), session.ErrNotConnected)
	require.ErrorIs(t, s.Resize(80, 24), session.ErrNotConnected)
}

func TestConnectAuthFailureLeavesErrorState(t *testing.T) {
	srv := startServer(t, sshtest.Options{})
	st := newStack(t, time.Minute)

	cfg := endpointConfig(srv)
	cfg.Auth = transport.PasswordAuth("wrong")
	s := st.registry.CreateSession(cfg)

	err := st.registry.Connect(context.Background(), s, "")
	require.ErrorIs(t, err, transport.ErrAuthenticationFailed)
	require.Equal(t, session.StateError, s.State())

	// A later attempt with good credentials recovers.
	cfg2 := endpointConfig(srv)
	s2 := st.registry.CreateSession(cfg2)
	require.NoError(t, st.registry.Connect(context.Background(), s2, ""))
}

func TestTunnelTabLifecycle(t *testing.T) {
	srv := startServer(t, sshtest.Options{})
	st := newStack(t, time.Minute)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				_, _ = io.Copy(c, c)
				c.Close()
			}()
		}
	}()
	echoPort := ln.Addr().(*net.TCPAddr).Port

	tab, err := st.registry.OpenTunnel(context.Background(), endpointConfig(srv), "127.0.0.1", echoPort, 0)
	require.NoError(t, err)
	require.True(t, tab.Running())
	require.NotZero(t, tab.LocalPort())
	require.Equal(t, session.Tab(tab), st.registry.Active())

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(tab.LocalPort())))
	require.NoError(t, err)
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
	conn.Close()

	require.Eventually(t, func() bool {
		sent, received := tab.Stats()
		return sent == 4 && received == 4
	}, 2*time.Second, 10*time.Millisecond)

	st.registry.CloseTunnel(tab)
	require.False(t, tab.Running())
	require.Empty(t, st.registry.Tabs())
}
