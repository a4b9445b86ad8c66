package tunnel

import (
	"context"
	"time"
)

// DeviceState is a snapshot of the live interface, read by the health
// check loop.
type DeviceState struct {
	// LastHandshake is zero until the first handshake completes.
	LastHandshake time.Time
	RxBytes       int64
	TxBytes       int64
}

// Device abstracts interface creation, configuration and teardown, which
// need elevated privileges on the host. The lifecycle state machine only
// talks to this boundary so it can run against a fake in tests.
type Device interface {
	// Up creates and configures the interface and returns the remote
	// endpoint it peers with.
	Up(ctx context.Context) (endpoint string, err error)
	// Down removes the interface. A missing interface is not an error;
	// Down must leave nothing behind even after a partial Up.
	Down(ctx context.Context) error
	// State reads handshake and byte counters from the live interface.
	State(ctx context.Context) (DeviceState, error)
}

// Binding ties transfer traffic to the tunnel interface with routing
// rules. Applied on every transition into Connected, removed on leaving
// it so no stale route can leak traffic after a disconnect.
type Binding interface {
	Apply(iface string) error
	Remove(iface string) error
}
