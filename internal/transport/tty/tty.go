// Package tty dials SPP peers through a serial device node, typically a
// /dev/rfcommN bound with `rfcomm bind`, using go.bug.st/serial.
package tty

import (
    "context"
    "errors"
    "fmt"
    "strings"

    "go.bug.st/serial"
    "go.uber.org/zap"

    "sppctl/internal/link"
)

// DefaultBaudRate is used when Dialer.BaudRate is zero. RFCOMM ignores line
// settings, but the tty layer still requires them.
const DefaultBaudRate = 115200

var ErrNoPort = errors.New("tty: no port configured for device")

// portHandle is the subset of serial.Port used here.
type portHandle interface {
    Read(p []byte) (int, error)
    Write(p []byte) (int, error)
    Drain() error
    ResetInputBuffer() error
    Close() error
}

// allow tests to override the serial backend
var openPort = func(name string, mode *serial.Mode) (portHandle, error) { return serial.Open(name, mode) }

// Dialer implements link.Dialer over serial device nodes.
type Dialer struct {
    // Ports maps device IDs (case-insensitive) to device nodes.
    Ports map[string]string
    // DefaultPort is used for devices without an entry in Ports.
    DefaultPort string
    BaudRate    int
    Logger      *zap.Logger
}

var _ link.Dialer = (*Dialer)(nil)

// PortFor returns the device node for dev.
func (d *Dialer) PortFor(dev link.Device) (string, error) {
    for id, p := range d.Ports {
        if strings.EqualFold(id, dev.ID) && p != "" {
            return p, nil
        }
    }
    if d.DefaultPort != "" {
        return d.DefaultPort, nil
    }
    return "", fmt.Errorf("%w %s", ErrNoPort, dev.ID)
}

func (d *Dialer) Dial(ctx context.Context, dev link.Device) (link.Transport, error) {
    if err := ctx.Err(); err != nil {
        return nil, err
    }
    name, err := d.PortFor(dev)
    if err != nil {
        return nil, err
    }
    baud := d.BaudRate
    if baud <= 0 {
        baud = DefaultBaudRate
    }
    mode := &serial.Mode{
        BaudRate: baud,
        DataBits: 8,
        Parity:   serial.NoParity,
        StopBits: serial.OneStopBit,
    }
    p, err := openPort(name, mode)
    if err != nil {
        return nil, fmt.Errorf("tty: open %s: %w", name, err)
    }
    // Drop bytes that arrived before this session.
    if err := p.ResetInputBuffer(); err != nil && d.Logger != nil {
        d.Logger.Debug("reset input buffer", zap.String("port", name), zap.Error(err))
    }
    return &port{portHandle: p, name: name}, nil
}

// port adapts a serial port to link.Transport and link.Flusher. No read
// timeout is set, so Read blocks until data arrives or the port is closed.
type port struct {
    portHandle
    name string
}

// Flush waits until queued output has been transmitted.
func (p *port) Flush() error { return p.Drain() }

func (p *port) String() string { return p.name }
