// cmd/sshdeck/shell.go

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"sshdeck/internal/session"
)

func newShellCmd() *cobra.Command {
	var rejoinID string
	cmd := &cobra.Command{
		Use:   "shell user@host[:port]",
		Short: "Open an interactive shell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cmd, args[0], rejoinID)
		},
	}
	cmd.Flags().StringVar(&rejoinID, "rejoin", "", "session identifier passed to the remote side for rejoin")
	return cmd
}

func runShell(cmd *cobra.Command, target, rejoinID string) error {
	endpoint, err := parseTarget(target)
	if err != nil {
		return err
	}
	auth, err := makeAuth(endpoint)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	fd := int(os.Stdin.Fd())
	cols, rows := 80, 24
	if term.IsTerminal(fd) {
		if c, r, err := term.GetSize(fd); err == nil {
			cols, rows = c, r
		}
	}

	termName := os.Getenv("TERM")
	if termName == "" {
		termName = a.cfg.Term
	}

	s := a.registry.CreateSession(session.EndpointConfig{
		Endpoint:        endpoint,
		Auth:            auth,
		Term:            termName,
		Cols:            cols,
		Rows:            rows,
		ScrollbackBytes: a.cfg.ScrollbackBytes,
	})
	s.AttachConsumer(session.ConsumerFunc(func(data []byte) {
		_, _ = os.Stdout.Write(data)
	}))

	if err := a.registry.Connect(cmd.Context(), s, rejoinID); err != nil {
		return err
	}

	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err != nil {
			a.registry.CloseSession(s)
			return err
		}
		defer term.Restore(fd, old)
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if c, r, err := term.GetSize(fd); err == nil {
				_ = s.Resize(c, r)
			}
		}
	}()

	go func() {
		buf := make([]byte, 1024)
		for {
			n, rerr := os.Stdin.Read(buf)
			if n > 0 {
				if serr := s.SendInput(buf[:n]); serr != nil {
					return
				}
			}
			if rerr != nil {
				return
			}
		}
	}()

	select {
	case <-s.Done():
	case <-cmd.Context().Done():
	}

	reason := s.Err()
	a.registry.CloseSession(s)
	return reason
}
