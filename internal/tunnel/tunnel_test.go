// internal/tunnel/tunnel_test.go

package tunnel_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sshdeck/internal/mux"
	"sshdeck/internal/sshtest"
	"sshdeck/internal/transport"
	"sshdeck/internal/tunnel"
)

const testPassword = "hunter2"

func dialTransport(t *testing.T, srv *sshtest.Server) *transport.Transport {
	t.Helper()
	pool := transport.NewPool(transport.Options{IdleGrace: time.Minute})
	t.Cleanup(pool.Close)

	tr, err := pool.Acquire(context.Background(),
		transport.Endpoint{User: "tester", Host: "127.0.0.1", Port: srv.Port()},
		transport.PasswordAuth(testPassword))
	require.NoError(t, err)
	return tr
}

// startEchoListener runs a TCP echo service standing in for the service on
// the remote host.
func startEchoListener(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				_, _ = io.Copy(conn, conn)
				conn.Close()
			}()
		}
	}()
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func newForwarder(t *testing.T, tr *transport.Transport, remotePort int) *tunnel.Forwarder {
	t.Helper()
	f := tunnel.NewForwarder(mux.New(nil), tr, "127.0.0.1", remotePort, nil)
	t.Cleanup(f.Stop)
	return f
}

func TestForwardRoundTrip(t *testing.T) {
	srv, err := sshtest.New(sshtest.Options{Password: testPassword})
	require.NoError(t, err)
	defer srv.Close()

	_, echoPort := startEchoListener(t)
	tr := dialTransport(t, srv)
	f := newForwarder(t, tr, echoPort)

	port, err := f.Start(0)
	require.NoError(t, err)
	require.NotZero(t, port)
	require.True(t, f.Running())

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	payload := make([]byte, 256*1024)
	_, err = rand.Read(payload)
	require.NoError(t, err)

	go func() {
		_, _ = conn.Write(payload)
		_ = conn.(*net.TCPConn).CloseWrite()
	}()

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got))

	// The relay finishes once both directions drained.
	require.Eventually(t, func() bool { return f.ActiveRelays() == 0 }, 2*time.Second, 10*time.Millisecond)
	sent, received := f.Stats()
	require.Equal(t, int64(len(payload)), sent)
	require.Equal(t, int64(len(payload)), received)
}

func TestStartIsIdempotent(t *testing.T) {
	srv, err := sshtest.New(sshtest.Options{Password: testPassword})
	require.NoError(t, err)
	defer srv.Close()

	_, echoPort := startEchoListener(t)
	f := newForwarder(t, dialTransport(t, srv), echoPort)

	first, err := f.Start(0)
	require.NoError(t, err)
	second, err := f.Start(0)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, first, f.BoundPort())
}

func TestStopClosesListenerAndRelays(t *testing.T) {
	srv, err := sshtest.New(sshtest.Options{Password: testPassword})
	require.NoError(t, err)
	defer srv.Close()

	_, echoPort := startEchoListener(t)
	f := newForwarder(t, dialTransport(t, srv), echoPort)

	port, err := f.Start(0)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	// Prove the relay is live before stopping.
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)

	f.Stop()
	require.False(t, f.Running())
	require.Zero(t, f.BoundPort())
	require.Zero(t, f.ActiveRelays())

	// The local connection is dead.
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = conn.Read(buf)
	require.Error(t, err)

	// The port is no longer served.
	_, err = net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 200*time.Millisecond)
	require.Error(t, err)

	f.Stop() // no-op
}

func TestChannelOpenFailureRefusesOnlyThatConnection(t *testing.T) {
	srv, err := sshtest.New(sshtest.Options{Password: testPassword})
	require.NoError(t, err)
	defer srv.Close()

	// Reserve a port with nothing behind it yet.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	targetPort := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	f := newForwarder(t, dialTransport(t, srv), targetPort)
	port, err := f.Start(0)
	require.NoError(t, err)

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	// Nothing serves the target: this connection is refused and closed.
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
	conn.Close()

	// The listener survived. Bring the target up and try again.
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(targetPort)))
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = io.Copy(c, c)
		c.Close()
	}()

	require.True(t, f.Running())
	conn2, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn2.Close()

	_, err = conn2.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(conn2, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
}

func TestTransportTeardownClosesRelays(t *testing.T) {
	srv, err := sshtest.New(sshtest.Options{Password: testPassword})
	require.NoError(t, err)
	defer srv.Close()

	_, echoPort := startEchoListener(t)
	tr := dialTransport(t, srv)
	f := newForwarder(t, tr, echoPort)

	port, err := f.Start(0)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, 1, f.ActiveRelays())

	// Kill the transport while the local client idles. The relay must not
	// outlive the teardown waiting for the client to hang up.
	srv.DropConnections()
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not observe the dropped connection")
	}

	require.Eventually(t, func() bool {
		return f.ActiveRelays() == 0
	}, 3*time.Second, 10*time.Millisecond)

	// The idle local client is disconnected too.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	require.Error(t, err)
}

func TestRemoteCloseReachesLocalSide(t *testing.T) {
	srv, err := sshtest.New(sshtest.Options{Password: testPassword})
	require.NoError(t, err)
	defer srv.Close()

	// A one-shot service that greets and closes.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = c.Write([]byte("bye"))
			c.Close()
		}
	}()

	f := newForwarder(t, dialTransport(t, srv), ln.Addr().(*net.TCPAddr).Port)
	port, err := f.Start(0)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Equal(t, "bye", string(got))
}

func TestRelayStats(t *testing.T) {
	srv, err := sshtest.New(sshtest.Options{Password: testPassword})
	require.NoError(t, err)
	defer srv.Close()

	_, echoPort := startEchoListener(t)
	tr := dialTransport(t, srv)
	m := mux.New(nil)

	ch, err := m.OpenDirectTCPIP(context.Background(), tr, "127.0.0.1", echoPort, nil, nil)
	require.NoError(t, err)

	local, remoteEnd := net.Pipe()
	relay := tunnel.NewRelay(remoteEnd, ch, nil)
	go relay.Run()

	payload := []byte("twelve bytes")
	_, err = local.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	_, err = io.ReadFull(local, buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf)

	local.Close()
	select {
	case <-relay.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not shut down")
	}

	sent, received := relay.Stats()
	require.Equal(t, int64(len(payload)), sent)
	require.Equal(t, int64(len(payload)), received)
}
