// cmd/sshdeck/app.go

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"sshdeck/internal/config"
	"sshdeck/internal/mux"
	"sshdeck/internal/session"
	"sshdeck/internal/transport"
)

// app wires the shared building blocks: one pool, one multiplexer, one
// registry per process.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	pool     *transport.Pool
	mux      *mux.Multiplexer
	registry *session.Registry
}

func newApp() (*app, error) {
	path := flagConfig
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := cfg.PoolOptions()
	opts.Logger = logger
	pool := transport.NewPool(opts)
	m := mux.New(logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		mux:      m,
		registry: session.NewRegistry(pool, m, logger),
	}, nil
}

func (a *app) close() {
	a.registry.Close()
	a.pool.Close()
}

// parseTarget splits "user@host[:port]" into an endpoint. The port defaults
// to 22.
func parseTarget(arg string) (transport.Endpoint, error) {
	user, rest, ok := strings.Cut(arg, "@")
	if !ok || user == "" || rest == "" {
		return transport.Endpoint{}, fmt.Errorf("invalid target %q, want user@host[:port]", arg)
	}

	host, port := rest, 22
	if h, p, ok := strings.Cut(rest, ":"); ok {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return transport.Endpoint{}, fmt.Errorf("invalid port in target %q", arg)
		}
		host, port = h, n
	}
	if host == "" {
		return transport.Endpoint{}, fmt.Errorf("invalid target %q, want user@host[:port]", arg)
	}

	return transport.Endpoint{User: user, Host: host, Port: port}, nil
}

// makeAuth builds an authenticator from the --key flag, falling back to an
// interactive password prompt.
func makeAuth(endpoint transport.Endpoint) (transport.Authenticator, error) {
	if flagKey != "" {
		pem, err := os.ReadFile(flagKey)
		if err != nil {
			return nil, fmt.Errorf("read key %s: %w", flagKey, err)
		}
		return transport.KeyAuth(pem, ""), nil
	}

	fmt.Fprintf(os.Stderr, "%s password: ", endpoint.String())
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	return transport.PasswordAuth(string(pass)), nil
}
