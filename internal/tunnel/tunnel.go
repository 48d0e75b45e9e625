// Package tunnel opens and closes the runtime side of tunnel entries.
//
// A Driver turns an Endpoint into a live Handle. Server endpoints expose a
// local TCP service to peers; client endpoints bind a local TCP port and
// forward connections to a remote server endpoint.
package tunnel

import (
	"context"
	"fmt"

	"grimm.is/tunnelboard/internal/logging"
)

// Kind distinguishes the two endpoint roles.
type Kind string

const (
	KindServer Kind = "server"
	KindClient Kind = "client"
)

// Endpoint is the configuration a driver needs to open a handle.
type Endpoint struct {
	Kind   Kind
	Host   string // server: local service host
	Port   int    // server: local service port; client: local bind port
	Key    string // server: secret key; client: connection string
	Secure bool   // server only
}

// Handle is a running endpoint.
type Handle interface {
	// Addr describes where the endpoint can be reached. For servers this is
	// a connection string peers can use as a client key.
	Addr() string
	Close() error
}

// Driver opens handles.
type Driver interface {
	Open(ctx context.Context, ep Endpoint) (Handle, error)
}

// Options configures NewDriver.
type Options struct {
	Bind   string // UDP address for server endpoints
	Local  string // host client endpoints bind on
	Logger *logging.Logger
}

// NewDriver returns the driver registered under name.
func NewDriver(name string, opts Options) (Driver, error) {
	switch name {
	case "quic":
		return NewQUICDriver(opts), nil
	case "noop":
		return NoopDriver{}, nil
	}
	return nil, fmt.Errorf("unknown tunnel driver %q", name)
}
