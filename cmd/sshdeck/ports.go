// cmd/sshdeck/ports.go

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"sshdeck/internal/portscan"
)

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports user@host[:port]",
		Short: "List TCP ports listening on the remote host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPorts(cmd, args[0])
		},
	}
}

func runPorts(cmd *cobra.Command, target string) error {
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

	t, err := a.pool.Acquire(cmd.Context(), endpoint, auth)
	if err != nil {
		return err
	}
	defer a.pool.Release(t)

	scanner := portscan.NewScanner(portscan.TransportExecutor{Transport: t}, a.cfg.PortRanking, a.logger)
	records, err := scanner.ListListeningPorts(cmd.Context())
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no listening ports found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tBIND\tPROCESS")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\n", r.Port, r.BindAddress, r.Process)
	}
	return w.Flush()
}
