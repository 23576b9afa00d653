// cmd/sshdeck/push.go

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sshdeck/internal/transfer"
)

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push user@host[:port] local-path remote-path",
		Short: "Upload a file or directory to the remote host over SFTP",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(cmd, args[0], args[1], args[2])
		},
	}
}

func runPush(cmd *cobra.Command, target, localPath, remotePath string) error {
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

	err = transfer.Upload(cmd.Context(), t, localPath, remotePath, func(p transfer.Progress) {
		fmt.Printf("\r%s: %d/%d bytes", p.Path, p.SentBytes, p.TotalBytes)
	})
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Printf("uploaded %s to %s:%s\n", localPath, endpoint.String(), remotePath)
	return nil
}
