package link

import (
    "errors"
    "fmt"
)

// Error kinds. Every failure returned by Manager matches exactly one of these
// with errors.Is.
var (
    ErrAdapterUnavailable = errors.New("adapter unavailable")
    ErrDeviceNotFound     = errors.New("device not found")
    ErrConnectFailed      = errors.New("connect failed")
    ErrNotConnected       = errors.New("not connected")
    ErrIO                 = errors.New("i/o error")
    // ErrAlreadyDisconnected is informational only; Disconnect on an idle
    // manager succeeds and never returns it.
    ErrAlreadyDisconnected = errors.New("already disconnected")
)

// Error is the failure type returned by Manager operations.
type Error struct {
    Op   string // operation name, e.g. "connect"
    Kind error  // one of the Err* kinds above
    Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
    if e.Err == nil {
        return fmt.Sprintf("link: %s: %v", e.Op, e.Kind)
    }
    return fmt.Sprintf("link: %s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the cause unless it carries a different error kind, so a
// failure never matches more than one kind.
func (e *Error) Unwrap() error {
    if k := kindOf(e.Err, nil); k != nil && k != e.Kind {
        return nil
    }
    return e.Err
}

// Is reports whether target is the kind of this error.
func (e *Error) Is(target error) bool { return target == e.Kind }

func opError(op string, fallback, err error) error {
    return &Error{Op: op, Kind: kindOf(err, fallback), Err: err}
}

// kindOf returns the taxonomy kind carried by err, or fallback. Collaborators
// signal kinds by wrapping the sentinels with %w.
func kindOf(err, fallback error) error {
    for _, k := range []error{ErrAdapterUnavailable, ErrDeviceNotFound, ErrConnectFailed, ErrNotConnected, ErrIO} {
        if errors.Is(err, k) {
            return k
        }
    }
    return fallback
}
