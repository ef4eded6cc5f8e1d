// Package link manages a single point-to-point serial link to one paired
// peripheral over the Bluetooth Serial Port Profile.
//
// A Manager owns at most one Connection at a time. Connect turns a device
// identifier into a live duplex stream and starts a reader goroutine that
// republishes inbound bytes to an EventSink until the session ends.
//
// Thread-safety: all Manager methods are safe for concurrent use. Operations
// are serialized against each other and against reader-triggered teardown.
package link

import (
    "context"
    "io"
)

// DefaultReadBufferSize is the size of a single read issued by the reader loop.
const DefaultReadBufferSize = 1024

// Device is an immutable snapshot of a peripheral known to the adapter.
type Device struct {
    ID     string // required: opaque address, e.g. "AA:BB:CC:DD:EE:FF"
    Name   string // optional display name
    Paired bool
}

// State is the lifecycle state of a Connection.
type State int

const (
    StateDisconnected State = iota
    StateConnecting
    StateConnected
    StateClosing
)

func (s State) String() string {
    switch s {
    case StateConnecting:
        return "connecting"
    case StateConnected:
        return "connected"
    case StateClosing:
        return "closing"
    default:
        return "disconnected"
    }
}

// Transport is the duplex byte stream obtained after a successful dial.
// Close must unblock a Read pending in another goroutine.
type Transport interface {
    io.Reader
    io.Writer
    io.Closer
}

// Flusher is implemented by transports that buffer writes.
type Flusher interface {
    Flush() error
}

// AdapterGateway exposes the radio adapter and its bonded-device registry.
//
// Implementations signal a missing radio by wrapping ErrAdapterUnavailable and
// an unknown identifier by wrapping ErrDeviceNotFound.
type AdapterGateway interface {
    // Enabled reports whether the radio is powered.
    Enabled(ctx context.Context) (bool, error)
    // RequestEnable asks the platform to power the radio. It may return before
    // the radio is actually on.
    RequestEnable(ctx context.Context) error
    // PairedDevices lists bonded devices in adapter order.
    PairedDevices(ctx context.Context) ([]Device, error)
    // LookupDevice resolves an identifier to a Device.
    LookupDevice(ctx context.Context, id string) (Device, error)
}

// Dialer opens the SPP transport to a device. Dial blocks until the peer
// accepts or rejects, or ctx is done.
type Dialer interface {
    Dial(ctx context.Context, dev Device) (Transport, error)
}

// Connection is the state of one link attempt or session.
type Connection struct {
    Device     Device
    State      State
    Generation uint64
    transport  Transport          // non-nil exactly in StateConnected and StateClosing
    cancel     context.CancelFunc // aborts the dial while StateConnecting
}

// HasTransport reports whether the connection currently owns a transport.
func (c Connection) HasTransport() bool { return c.transport != nil }
