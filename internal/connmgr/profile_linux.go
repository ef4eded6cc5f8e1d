//go:build linux

package connmgr

import (
    "errors"
    "sync"

    dbus "github.com/godbus/dbus/v5"
    "go.uber.org/zap"
    "golang.org/x/sys/unix"
)

// profile implements org.bluez.Profile1 and hands NewConnection descriptors
// to the Dial call waiting for that device.
type profile struct {
    log *zap.Logger

    mu      sync.Mutex
    closed  bool
    waiters map[dbus.ObjectPath]chan connResult
}

type connResult struct {
    fd  int
    err error
}

func newProfile(log *zap.Logger) *profile {
    return &profile{log: log, waiters: make(map[dbus.ObjectPath]chan connResult)}
}

// expect registers interest in the next connection from dev. The returned
// cancel func must be called once the caller stops waiting.
func (p *profile) expect(dev dbus.ObjectPath) (<-chan connResult, func()) {
    ch := make(chan connResult, 1)
    p.mu.Lock()
    if p.closed {
        ch <- connResult{err: errors.New("connmgr: profile released")}
    } else {
        // Only one Dial may wait per device; an older waiter gives up.
        if old, ok := p.waiters[dev]; ok {
            old <- connResult{err: errors.New("connmgr: superseded by a newer connect")}
        }
        p.waiters[dev] = ch
    }
    p.mu.Unlock()
    return ch, func() {
        p.mu.Lock()
        defer p.mu.Unlock()
        if p.waiters[dev] == ch {
            delete(p.waiters, dev)
        }
        // A descriptor delivered after the waiter gave up must not leak.
        select {
        case res := <-ch:
            if res.err == nil {
                _ = unix.Close(res.fd)
            }
        default:
        }
    }
}

func (p *profile) shutdown() {
    p.mu.Lock()
    defer p.mu.Unlock()
    p.closed = true
    for dev, ch := range p.waiters {
        ch <- connResult{err: errors.New("connmgr: profile released")}
        delete(p.waiters, dev)
    }
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error {
    p.log.Debug("profile released by bluez")
    return nil
}

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the transport owner closes the descriptor.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket FD to the waiting Dial.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
    p.mu.Lock()
    defer p.mu.Unlock()
    ch, ok := p.waiters[dev]
    if !ok {
        // No receiver; close FD and return a rejection to avoid leaks.
        _ = unix.Close(int(fd))
        p.log.Debug("rejecting unexpected connection", zap.String("device", string(dev)))
        return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
    }
    delete(p.waiters, dev)
    ch <- connResult{fd: int(fd)}
    return nil
}
