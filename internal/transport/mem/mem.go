// Package mem provides an in-process transport, dialer and adapter gateway.
// It backs tests and the "static" adapter kind where devices come from
// configuration instead of a live radio.
package mem

import (
    "bytes"
    "context"
    "errors"
    "fmt"
    "io"
    "strings"
    "sync"

    "sppctl/internal/link"
)

// ErrClosed is returned by Conn operations after Close.
var ErrClosed = errors.New("mem: conn closed")

// Conn is an in-memory link.Transport. The test side feeds inbound bytes with
// Inject and inspects outbound bytes with Written. Close discards anything not
// yet read and unblocks a pending Read.
type Conn struct {
    Device link.Device

    mu       sync.Mutex
    inbound  bytes.Buffer
    outbound bytes.Buffer
    readErr  error
    writeErr error
    closed   bool
    flushes  int
    wake     chan struct{}
    done     chan struct{}
}

func newConn(dev link.Device) *Conn {
    return &Conn{Device: dev, wake: make(chan struct{}, 1), done: make(chan struct{})}
}

// Pair returns a standalone Conn, useful outside a Dialer.
func Pair(dev link.Device) *Conn { return newConn(dev) }

func (c *Conn) Read(p []byte) (int, error) {
    for {
        c.mu.Lock()
        if c.closed {
            c.mu.Unlock()
            return 0, ErrClosed
        }
        if c.inbound.Len() > 0 {
            n, _ := c.inbound.Read(p)
            c.mu.Unlock()
            return n, nil
        }
        if c.readErr != nil {
            err := c.readErr
            c.mu.Unlock()
            return 0, err
        }
        c.mu.Unlock()
        select {
        case <-c.wake:
        case <-c.done:
        }
    }
}

func (c *Conn) Write(p []byte) (int, error) {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.closed {
        return 0, ErrClosed
    }
    if c.writeErr != nil {
        return 0, c.writeErr
    }
    return c.outbound.Write(p)
}

// Flush counts flushes so tests can assert writes were flushed.
func (c *Conn) Flush() error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.closed {
        return ErrClosed
    }
    c.flushes++
    return nil
}

// Close is idempotent.
func (c *Conn) Close() error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if !c.closed {
        c.closed = true
        close(c.done)
    }
    return nil
}

// Inject makes p available to the next Read.
func (c *Conn) Inject(p []byte) error {
    c.mu.Lock()
    if c.closed {
        c.mu.Unlock()
        return ErrClosed
    }
    c.inbound.Write(p)
    c.mu.Unlock()
    c.signal()
    return nil
}

// Hangup simulates the peer closing its end: Read returns io.EOF once the
// inbound buffer is drained.
func (c *Conn) Hangup() { c.FailReads(io.EOF) }

// FailReads makes Read return err once the inbound buffer is drained.
func (c *Conn) FailReads(err error) {
    c.mu.Lock()
    c.readErr = err
    c.mu.Unlock()
    c.signal()
}

// FailWrites makes every later Write return err.
func (c *Conn) FailWrites(err error) {
    c.mu.Lock()
    c.writeErr = err
    c.mu.Unlock()
}

// Written returns a copy of everything written so far.
func (c *Conn) Written() []byte {
    c.mu.Lock()
    defer c.mu.Unlock()
    return append([]byte(nil), c.outbound.Bytes()...)
}

func (c *Conn) Flushes() int {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.flushes
}

func (c *Conn) Closed() bool {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.closed
}

func (c *Conn) signal() {
    select {
    case c.wake <- struct{}{}:
    default:
    }
}

// Dialer hands out Conns and records them for inspection.
type Dialer struct {
    mu     sync.Mutex
    refuse map[string]error
    holds  map[string]chan struct{}
    conns  []*Conn
}

func NewDialer() *Dialer {
    return &Dialer{refuse: make(map[string]error), holds: make(map[string]chan struct{})}
}

// Refuse makes Dial to id fail with err, as a peer rejecting the link would.
func (d *Dialer) Refuse(id string, err error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    if err == nil {
        err = errors.New("mem: connection refused")
    }
    d.refuse[strings.ToUpper(id)] = err
}

// Hold makes Dial to id block until the returned release func is called or
// the dial context is done.
func (d *Dialer) Hold(id string) (release func()) {
    ch := make(chan struct{})
    d.mu.Lock()
    d.holds[strings.ToUpper(id)] = ch
    d.mu.Unlock()
    var once sync.Once
    return func() { once.Do(func() { close(ch) }) }
}

func (d *Dialer) Dial(ctx context.Context, dev link.Device) (link.Transport, error) {
    key := strings.ToUpper(dev.ID)
    d.mu.Lock()
    hold := d.holds[key]
    d.mu.Unlock()
    if hold != nil {
        select {
        case <-hold:
        case <-ctx.Done():
            return nil, fmt.Errorf("mem: dial %s: %w", dev.ID, ctx.Err())
        }
    }

    d.mu.Lock()
    defer d.mu.Unlock()
    if err := d.refuse[key]; err != nil {
        return nil, fmt.Errorf("mem: dial %s: %w", dev.ID, err)
    }
    c := newConn(dev)
    d.conns = append(d.conns, c)
    return c, nil
}

// Conns returns every Conn handed out, oldest first.
func (d *Dialer) Conns() []*Conn {
    d.mu.Lock()
    defer d.mu.Unlock()
    return append([]*Conn(nil), d.conns...)
}

// Last returns the most recent Conn or nil.
func (d *Dialer) Last() *Conn {
    d.mu.Lock()
    defer d.mu.Unlock()
    if len(d.conns) == 0 {
        return nil
    }
    return d.conns[len(d.conns)-1]
}

// Open counts Conns not yet closed.
func (d *Dialer) Open() int {
    n := 0
    for _, c := range d.Conns() {
        if !c.Closed() {
            n++
        }
    }
    return n
}

// Gateway is a link.AdapterGateway over a fixed device list.
type Gateway struct {
    mu       sync.Mutex
    devices  []link.Device
    enabled  bool
    absent   bool
    requests int
}

// NewGateway returns an enabled gateway whose bonded registry is devs, in order.
func NewGateway(devs ...link.Device) *Gateway {
    return &Gateway{devices: append([]link.Device(nil), devs...), enabled: true}
}

// SetEnabled sets the reported radio power state.
func (g *Gateway) SetEnabled(on bool) {
    g.mu.Lock()
    g.enabled = on
    g.mu.Unlock()
}

// SetAbsent simulates a host without a radio.
func (g *Gateway) SetAbsent(absent bool) {
    g.mu.Lock()
    g.absent = absent
    g.mu.Unlock()
}

// EnableRequests returns how many times RequestEnable was called.
func (g *Gateway) EnableRequests() int {
    g.mu.Lock()
    defer g.mu.Unlock()
    return g.requests
}

func (g *Gateway) Enabled(ctx context.Context) (bool, error) {
    g.mu.Lock()
    defer g.mu.Unlock()
    if g.absent {
        return false, fmt.Errorf("mem: %w", link.ErrAdapterUnavailable)
    }
    return g.enabled, nil
}

// RequestEnable grants the request immediately.
func (g *Gateway) RequestEnable(ctx context.Context) error {
    g.mu.Lock()
    defer g.mu.Unlock()
    if g.absent {
        return fmt.Errorf("mem: %w", link.ErrAdapterUnavailable)
    }
    g.requests++
    g.enabled = true
    return nil
}

func (g *Gateway) PairedDevices(ctx context.Context) ([]link.Device, error) {
    g.mu.Lock()
    defer g.mu.Unlock()
    if g.absent {
        return nil, fmt.Errorf("mem: %w", link.ErrAdapterUnavailable)
    }
    out := make([]link.Device, 0, len(g.devices))
    for _, d := range g.devices {
        if d.Paired {
            out = append(out, d)
        }
    }
    return out, nil
}

func (g *Gateway) LookupDevice(ctx context.Context, id string) (link.Device, error) {
    g.mu.Lock()
    defer g.mu.Unlock()
    if g.absent {
        return link.Device{}, fmt.Errorf("mem: %w", link.ErrAdapterUnavailable)
    }
    for _, d := range g.devices {
        if strings.EqualFold(d.ID, id) {
            return d, nil
        }
    }
    return link.Device{}, fmt.Errorf("mem: lookup %q: %w", id, link.ErrDeviceNotFound)
}
