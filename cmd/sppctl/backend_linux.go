//go:build linux

package main

import (
    "fmt"

    "go.uber.org/zap"

    "sppctl/internal/config"
    "sppctl/internal/connmgr"
    "sppctl/internal/transport/rfcomm"
)

func newBackend(cfg *config.Config, log *zap.Logger) (*backend, error) {
    b := &backend{}

    var bluez *connmgr.Gateway
    switch cfg.Adapter.Kind {
    case config.AdapterBlueZ:
        bluez = connmgr.New(connmgr.Options{
            Adapter:     cfg.Adapter.HCI,
            ServiceUUID: cfg.Transport.ServiceUUID,
            Logger:      log,
        })
        b.gw = bluez
        b.closers = append(b.closers, bluez.Close)
    case config.AdapterStatic:
        b.gw = staticGateway(cfg)
    default:
        return nil, fmt.Errorf("unsupported adapter kind %q", cfg.Adapter.Kind)
    }

    switch cfg.Transport.Kind {
    case config.TransportProfile:
        if bluez == nil {
            _ = b.Close()
            return nil, fmt.Errorf("transport %q needs the bluez adapter", cfg.Transport.Kind)
        }
        b.dialer = bluez
    case config.TransportRFCOMM:
        chs, err := rfcommChannels(cfg.Transport.RFCOMM.Channels)
        if err != nil {
            _ = b.Close()
            return nil, err
        }
        b.dialer = &rfcomm.Dialer{Channels: chs, Logger: log.Named("rfcomm")}
    case config.TransportTTY:
        b.dialer = ttyDialer(cfg, log)
    default:
        _ = b.Close()
        return nil, fmt.Errorf("unsupported transport kind %q", cfg.Transport.Kind)
    }
    return b, nil
}
