// internal/transport/endpoint.go

package transport

import (
	"fmt"
	"net"
	"strconv"
)

// Endpoint identifies one reusable transport. Two consumers with the same
// Endpoint share one underlying connection.
type Endpoint struct {
	User string
	Host string
	Port int
}

// Addr returns the dialable "host:port" form.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s@%s:%d", e.User, e.Host, e.Port)
}

// key is the pool map key. Identical endpoints must collapse onto one entry,
// so the key is the full identity tuple.
func (e Endpoint) key() string {
	return e.String()
}
