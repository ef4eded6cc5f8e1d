//go:build linux

package rfcomm

import (
    "context"
    "errors"
    "fmt"
    "os"

    "go.uber.org/zap"
    "golang.org/x/sys/unix"

    "sppctl/internal/link"
)

// pollInterval bounds how long a pending connect goes without checking ctx.
const pollInterval = 100 // ms

// Dialer implements link.Dialer with AF_BLUETOOTH/BTPROTO_RFCOMM sockets.
type Dialer struct {
    // Channels are tried in order until one accepts.
    Channels []uint8
    Logger   *zap.Logger
}

var _ link.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, dev link.Device) (link.Transport, error) {
    addr, err := ParseAddr(dev.ID)
    if err != nil {
        return nil, err
    }
    log := d.Logger
    if log == nil {
        log = zap.NewNop()
    }
    var lastErr error
    for _, ch := range channelsOrDefault(d.Channels) {
        f, err := dialChannel(ctx, addr, ch)
        if err == nil {
            log.Debug("rfcomm connected", zap.String("device", dev.ID), zap.Uint8("channel", ch))
            return f, nil
        }
        if ctx.Err() != nil {
            return nil, fmt.Errorf("rfcomm: connect canceled: %w", ctx.Err())
        }
        log.Debug("rfcomm channel refused", zap.String("device", dev.ID), zap.Uint8("channel", ch), zap.Error(err))
        lastErr = err
    }
    return nil, fmt.Errorf("rfcomm: connect %s: %w", dev.ID, lastErr)
}

// dialChannel performs a non-blocking connect so ctx can abort it, then hands
// the descriptor to the runtime poller so Close unblocks readers.
func dialChannel(ctx context.Context, addr [6]byte, ch uint8) (*os.File, error) {
    fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.BTPROTO_RFCOMM)
    if err != nil {
        return nil, fmt.Errorf("socket: %w", err)
    }
    sa := &unix.SockaddrRFCOMM{Addr: addr, Channel: ch}
    err = unix.Connect(fd, sa)
    if errors.Is(err, unix.EINPROGRESS) {
        err = waitConnected(ctx, fd)
    }
    if err != nil {
        _ = unix.Close(fd)
        return nil, fmt.Errorf("channel %d: %w", ch, err)
    }
    return os.NewFile(uintptr(fd), "rfcomm"), nil
}

func waitConnected(ctx context.Context, fd int) error {
    for {
        if err := ctx.Err(); err != nil {
            return err
        }
        fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
        n, err := unix.Poll(fds, pollInterval)
        if err != nil {
            if errors.Is(err, unix.EINTR) {
                continue
            }
            return err
        }
        if n == 0 {
            continue
        }
        soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
        if err != nil {
            return err
        }
        if soErr != 0 {
            return unix.Errno(soErr)
        }
        return nil
    }
}
