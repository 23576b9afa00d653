// internal/transport/auth.go

package transport

import (
	"context"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Authenticator resolves login material for an endpoint. Resolution happens
// outside this package (credential store, agent, prompt); the pool only
// consumes the result.
type Authenticator interface {
	Methods(ctx context.Context, endpoint Endpoint) ([]ssh.AuthMethod, error)
}

// AuthFunc adapts a function to the Authenticator interface.
type AuthFunc func(ctx context.Context, endpoint Endpoint) ([]ssh.AuthMethod, error)

func (f AuthFunc) Methods(ctx context.Context, endpoint Endpoint) ([]ssh.AuthMethod, error) {
	return f(ctx, endpoint)
}

// PasswordAuth authenticates with a static password.
func PasswordAuth(password string) Authenticator {
	return AuthFunc(func(context.Context, Endpoint) ([]ssh.AuthMethod, error) {
		return []ssh.AuthMethod{ssh.Password(password)}, nil
	})
}

// KeyAuth authenticates with a PEM-encoded private key, decrypting it with
// passphrase when non-empty. The key is parsed on every resolve so a failure
// surfaces at connect time, wrapped as ErrAuthenticationFailed.
func KeyAuth(pemKey []byte, passphrase string) Authenticator {
	return AuthFunc(func(_ context.Context, endpoint Endpoint) ([]ssh.AuthMethod, error) {
		var (
			signer ssh.Signer
			err    error
		)
		if passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pemKey, []byte(passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pemKey)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: parse private key for %s: %v", ErrAuthenticationFailed, endpoint, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	})
}
