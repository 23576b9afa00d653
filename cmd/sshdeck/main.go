// cmd/sshdeck/main.go

// sshdeck is a command line front end for the orchestration layer: interactive
// shells, local port forwards, remote port discovery and file deploys, all
// sharing one transport per endpoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig  string
	flagKey     string
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "sshdeck",
		Short:         "SSH session and tunnel orchestration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file path (default ~/.config/sshdeck/config.yaml)")
	root.PersistentFlags().StringVarP(&flagKey, "key", "i", "", "private key file; password prompt when unset")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newShellCmd(), newForwardCmd(), newPortsCmd(), newPushCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
