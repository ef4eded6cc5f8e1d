//go:build !linux

package main

import (
    "fmt"

    "go.uber.org/zap"

    "sppctl/internal/config"
)

// Outside Linux there is no BlueZ and no AF_BLUETOOTH; only statically
// configured devices reachable through a serial port are supported.
func newBackend(cfg *config.Config, log *zap.Logger) (*backend, error) {
    if cfg.Adapter.Kind != config.AdapterStatic {
        return nil, fmt.Errorf("adapter kind %q is only available on linux", cfg.Adapter.Kind)
    }
    if cfg.Transport.Kind != config.TransportTTY {
        return nil, fmt.Errorf("transport kind %q is only available on linux", cfg.Transport.Kind)
    }
    return &backend{gw: staticGateway(cfg), dialer: ttyDialer(cfg, log)}, nil
}
