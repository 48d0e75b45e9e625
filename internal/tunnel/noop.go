package tunnel

import (
	"context"
	"fmt"
)

// NoopDriver opens inert handles. It exercises the lifecycle without
// touching the network.
type NoopDriver struct{}

// Open always succeeds.
func (NoopDriver) Open(_ context.Context, ep Endpoint) (Handle, error) {
	return noopHandle{addr: fmt.Sprintf("noop:%s:%d", ep.Kind, ep.Port)}, nil
}

type noopHandle struct{ addr string }

func (h noopHandle) Addr() string { return h.addr }
func (h noopHandle) Close() error { return nil }
