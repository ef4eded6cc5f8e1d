// Package connmgr talks to BlueZ over the system D-Bus. It provides the
// adapter gateway (power state, bonded devices) and a dialer that obtains
// RFCOMM file descriptors for SPP connections through the Profile1 API.
//
// Thread-safety: Gateway methods are safe for concurrent use. Close is
// idempotent; after Close all other methods return an error.
package connmgr

import (
    "go.uber.org/zap"
)

const (
    // SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
    SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

    bluezService         = "org.bluez"
    profileInterfaceName = "org.bluez.Profile1"
    profileManagerIface  = "org.bluez.ProfileManager1"
    deviceIface          = "org.bluez.Device1"
    adapterIface         = "org.bluez.Adapter1"
    objManagerIface      = "org.freedesktop.DBus.ObjectManager"
    propsIface           = "org.freedesktop.DBus.Properties"
)

// Options configures a Gateway.
type Options struct {
    // Adapter selects the controller by name, e.g. "hci0". Empty picks the
    // first adapter BlueZ reports.
    Adapter string

    // ServiceUUID is the profile UUID registered for outgoing connections.
    // Defaults to SPPUUID.
    ServiceUUID string

    Logger *zap.Logger
}

func (o Options) withDefaults() Options {
    if o.ServiceUUID == "" {
        o.ServiceUUID = SPPUUID
    }
    if o.Logger == nil {
        o.Logger = zap.NewNop()
    }
    return o
}
