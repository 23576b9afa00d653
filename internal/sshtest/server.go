// internal/sshtest/server.go

// Package sshtest runs a minimal in-process SSH server for tests: it accepts
// password auth, answers session channels with an echo shell and canned exec
// results, and serves direct-tcpip channels by dialing the requested target.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ExecResult is the canned response for one exec command.
type ExecResult struct {
	Stdout string
	Status uint32
}

// Options configures the test server.
type Options struct {
	// Password accepted for any user. Empty means no client auth required.
	Password string
	// Greeting is written to the channel as soon as a shell starts.
	Greeting []byte
	// ShellExits makes the shell report exit status 0 and close right after
	// the greeting instead of echoing.
	ShellExits bool
	// Exec maps command strings to canned results. Unknown commands get an
	// empty stdout and exit status 127.
	Exec map[string]ExecResult
}

// Server is one listening test SSH server.
type Server struct {
	opts Options
	ln   net.Listener

	handshakes atomic.Int32

	mu     sync.Mutex
	conns  []*ssh.ServerConn
	closed bool
}

// New starts a server on a random loopback port.
func New(opts Options) (*Server, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ServerConfig{}
	if opts.Password == "" {
		cfg.NoClientAuth = true
	} else {
		cfg.PasswordCallback = func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) != opts.Password {
				return nil, fmt.Errorf("wrong password")
			}
			return nil, nil
		}
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{opts: opts, ln: ln}
	go s.serve(cfg)
	return s, nil
}

// Addr returns the listening "host:port".
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Port returns the listening port.
func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// Handshakes reports how many client handshakes completed successfully.
func (s *Server) Handshakes() int { return int(s.handshakes.Load()) }

// Close stops the listener and drops every live connection.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	s.ln.Close()
	for _, c := range conns {
		c.Close()
	}
}

// DropConnections kills live connections but keeps listening, simulating a
// mid-session transport failure.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) serve(cfg *ssh.ServerConfig) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn, cfg)
	}
}

func (s *Server) handleConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	s.handshakes.Add(1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sshConn.Close()
		return
	}
	s.conns = append(s.conns, sshConn)
	s.mu.Unlock()

	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		switch newCh.ChannelType() {
		case "session":
			go s.handleSession(newCh)
		case "direct-tcpip":
			go s.handleDirectTCPIP(newCh)
		default:
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

func (s *Server) handleSession(newCh ssh.NewChannel) {
	ch, requests, err := newCh.Accept()
	if err != nil {
		return
	}

	for req := range requests {
		switch req.Type {
		case "pty-req", "env", "window-change":
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		case "shell":
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			go s.echoShell(ch)
		case "exec":
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			var payload struct{ Command string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			go s.runExec(ch, payload.Command)
		case "subsystem":
			var payload struct{ Name string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			if payload.Name == "sftp" {
				if req.WantReply {
					_ = req.Reply(true, nil)
				}
				go s.serveSFTP(ch)
			} else if req.WantReply {
				_ = req.Reply(false, nil)
			}
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// echoShell writes the greeting, then echoes everything it reads, verbatim.
func (s *Server) echoShell(ch ssh.Channel) {
	if len(s.opts.Greeting) > 0 {
		_, _ = ch.Write(s.opts.Greeting)
	}
	if !s.opts.ShellExits {
		buf := make([]byte, 1024)
		for {
			n, err := ch.Read(buf)
			if n > 0 {
				if _, werr := ch.Write(buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
	}
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
	ch.Close()
}

func (s *Server) runExec(ch ssh.Channel, command string) {
	res, ok := s.opts.Exec[command]
	if !ok {
		res = ExecResult{Status: 127}
	}
	if res.Stdout != "" {
		_, _ = io.WriteString(ch, res.Stdout)
	}
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{res.Status}))
	ch.Close()
}

// serveSFTP runs a real SFTP server on the channel, operating on the test
// process's own filesystem.
func (s *Server) serveSFTP(ch ssh.Channel) {
	srv, err := sftp.NewServer(ch)
	if err != nil {
		ch.Close()
		return
	}
	_ = srv.Serve()
	srv.Close()
	ch.Close()
}

func (s *Server) handleDirectTCPIP(newCh ssh.NewChannel) {
	var payload struct {
		DestAddr   string
		DestPort   uint32
		OriginAddr string
		OriginPort uint32
	}
	if err := ssh.Unmarshal(newCh.ExtraData(), &payload); err != nil {
		_ = newCh.Reject(ssh.ConnectionFailed, "bad direct-tcpip payload")
		return
	}

	target, err := net.Dial("tcp", net.JoinHostPort(payload.DestAddr, strconv.Itoa(int(payload.DestPort))))
	if err != nil {
		_ = newCh.Reject(ssh.ConnectionFailed, err.Error())
		return
	}

	ch, reqs, err := newCh.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(ch, target)
		_ = ch.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(target, ch)
		if cw, ok := target.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
	}()
	wg.Wait()
	ch.Close()
	target.Close()
}
