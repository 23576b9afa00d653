// cmd/sshdeck/forward.go

package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"sshdeck/internal/session"
)

func newForwardCmd() *cobra.Command {
	var (
		localPort  int
		remoteHost string
	)
	cmd := &cobra.Command{
		Use:   "forward user@host[:port] remote-port",
		Short: "Forward a local port to a port on the remote host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remotePort, err := strconv.Atoi(args[1])
			if err != nil || remotePort <= 0 || remotePort > 65535 {
				return fmt.Errorf("invalid remote port %q", args[1])
			}
			return runForward(cmd, args[0], remoteHost, remotePort, localPort)
		},
	}
	cmd.Flags().IntVarP(&localPort, "local", "l", 0, "local port to bind (0 picks a free port)")
	cmd.Flags().StringVar(&remoteHost, "remote-host", "127.0.0.1", "host to connect to from the remote side")
	return cmd
}

func runForward(cmd *cobra.Command, target, remoteHost string, remotePort, localPort int) error {
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

	tab, err := a.registry.OpenTunnel(cmd.Context(), session.EndpointConfig{
		Endpoint: endpoint,
		Auth:     auth,
	}, remoteHost, remotePort, localPort)
	if err != nil {
		return err
	}

	fmt.Printf("forwarding 127.0.0.1:%d -> %s:%d via %s\n",
		tab.LocalPort(), remoteHost, remotePort, endpoint.String())

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	select {
	case <-interrupt:
	case <-cmd.Context().Done():
	}

	sent, received := tab.Stats()
	a.registry.CloseTunnel(tab)
	fmt.Printf("tunnel closed: %d bytes sent, %d bytes received\n", sent, received)
	return nil
}
