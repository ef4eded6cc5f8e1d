package main

import (
    "fmt"

    "go.uber.org/multierr"
    "go.uber.org/zap"

    "sppctl/internal/config"
    "sppctl/internal/link"
    "sppctl/internal/transport/mem"
    "sppctl/internal/transport/tty"
)

// backend is the gateway/dialer pair selected by configuration plus whatever
// must be released when the command exits.
type backend struct {
    gw      link.AdapterGateway
    dialer  link.Dialer
    closers []func() error
}

func (b *backend) Close() error {
    var err error
    for i := len(b.closers) - 1; i >= 0; i-- {
        err = multierr.Append(err, b.closers[i]())
    }
    b.closers = nil
    return err
}

// staticGateway serves the bonded registry listed under adapter.devices.
func staticGateway(cfg *config.Config) *mem.Gateway {
    devs := make([]link.Device, 0, len(cfg.Adapter.Devices))
    for _, d := range cfg.Adapter.Devices {
        devs = append(devs, link.Device{ID: d.ID, Name: d.Name, Paired: true})
    }
    return mem.NewGateway(devs...)
}

func ttyDialer(cfg *config.Config, log *zap.Logger) *tty.Dialer {
    return &tty.Dialer{
        Ports:       cfg.Transport.TTY.Ports,
        DefaultPort: cfg.Transport.TTY.DefaultPort,
        BaudRate:    cfg.Transport.TTY.BaudRate,
        Logger:      log.Named("tty"),
    }
}

func rfcommChannels(chs []int) ([]uint8, error) {
    out := make([]uint8, 0, len(chs))
    for _, c := range chs {
        if c < 1 || c > 30 {
            return nil, fmt.Errorf("transport.rfcomm.channels: %d out of range 1..30", c)
        }
        out = append(out, uint8(c))
    }
    return out, nil
}
