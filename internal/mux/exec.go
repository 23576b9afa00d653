// internal/mux/exec.go

package mux

import (
	"context"
	"errors"

	"golang.org/x/crypto/ssh"

	"sshdeck/internal/transport"
)

// Exec runs a command on a fresh exec channel and returns its stdout and exit
// status. A non-zero exit is not an error; the caller inspects the status.
// Cancelling ctx force-closes the channel.
func Exec(ctx context.Context, t *transport.Transport, command string) ([]byte, int, error) {
	sess, err := t.Client().NewSession()
	if err != nil {
		return nil, -1, &ChannelOpenError{Target: t.Endpoint().String(), Err: err}
	}

	type result struct {
		out    []byte
		status int
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		out, err := sess.Output(command)
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				resCh <- result{out: out, status: exitErr.ExitStatus()}
				return
			}
			resCh <- result{out: out, status: -1, err: err}
			return
		}
		resCh <- result{out: out}
	}()

	select {
	case <-ctx.Done():
		sess.Close()
		<-resCh
		return nil, -1, ctx.Err()
	case res := <-resCh:
		sess.Close()
		return res.out, res.status, res.err
	}
}
