//go:build linux

package connmgr

import (
    "context"
    "errors"
    "fmt"
    "os"
    "strconv"
    "sync"
    "sync/atomic"

    dbus "github.com/godbus/dbus/v5"
    "go.uber.org/multierr"
    "go.uber.org/zap"
    "golang.org/x/sys/unix"

    "sppctl/internal/link"
)

var pathCounter uint64

// Gateway implements link.AdapterGateway and link.Dialer on top of BlueZ.
type Gateway struct {
    opts Options
    log  *zap.Logger

    mu     sync.Mutex
    closed bool
    bus    *dbus.Conn

    // client profile, registered on first Dial
    prof *profile

    // cleanup functions to release resources in Close (executed once, in reverse order).
    cleanup []func() error
}

// New creates a gateway. The system bus is connected lazily.
func New(opts Options) *Gateway {
    opts = opts.withDefaults()
    return &Gateway{opts: opts, log: opts.Logger.Named("connmgr")}
}

var _ link.AdapterGateway = (*Gateway)(nil)
var _ link.Dialer = (*Gateway)(nil)

// busLocked connects to the system bus if not yet connected.
func (g *Gateway) busLocked() (*dbus.Conn, error) {
    if g.closed {
        return nil, errors.New("connmgr: closed")
    }
    if g.bus != nil {
        return g.bus, nil
    }
    c, err := dbus.SystemBus()
    if err != nil {
        return nil, fmt.Errorf("connmgr: connect system bus: %w", err)
    }
    g.bus = c
    // Close the bus last during cleanup.
    g.cleanup = append(g.cleanup, c.Close)
    return c, nil
}

func (g *Gateway) conn() (*dbus.Conn, error) {
    g.mu.Lock()
    defer g.mu.Unlock()
    return g.busLocked()
}

func (g *Gateway) snapshot(ctx context.Context) (*dbus.Conn, managedObjects, error) {
    bus, err := g.conn()
    if err != nil {
        return nil, nil, err
    }
    var objs managedObjects
    obj := bus.Object(bluezService, dbus.ObjectPath("/"))
    if call := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0); call.Err != nil {
        return nil, nil, fmt.Errorf("connmgr: GetManagedObjects: %w", call.Err)
    } else if err := call.Store(&objs); err != nil {
        return nil, nil, fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)
    }
    return bus, objs, nil
}

func (g *Gateway) adapter(ctx context.Context) (*dbus.Conn, managedObjects, adapterInfo, error) {
    bus, objs, err := g.snapshot(ctx)
    if err != nil {
        return nil, nil, adapterInfo{}, err
    }
    a, ok := findAdapter(objs, g.opts.Adapter)
    if !ok {
        name := g.opts.Adapter
        if name == "" {
            name = "any"
        }
        return nil, nil, adapterInfo{}, fmt.Errorf("connmgr: adapter %s: %w", name, link.ErrAdapterUnavailable)
    }
    return bus, objs, a, nil
}

func (g *Gateway) Enabled(ctx context.Context) (bool, error) {
    _, _, a, err := g.adapter(ctx)
    if err != nil {
        return false, err
    }
    return a.Powered, nil
}

// RequestEnable sets Adapter1.Powered. rfkill or polkit may still refuse;
// that surfaces as an error from the property write.
func (g *Gateway) RequestEnable(ctx context.Context) error {
    bus, _, a, err := g.adapter(ctx)
    if err != nil {
        return err
    }
    if a.Powered {
        return nil
    }
    call := bus.Object(bluezService, a.Path).CallWithContext(ctx, propsIface+".Set", 0,
        adapterIface, "Powered", dbus.MakeVariant(true))
    if call.Err != nil {
        return fmt.Errorf("connmgr: power on %s: %w", a.Path, call.Err)
    }
    g.log.Info("adapter power requested", zap.String("adapter", string(a.Path)))
    return nil
}

func (g *Gateway) PairedDevices(ctx context.Context) ([]link.Device, error) {
    _, objs, a, err := g.adapter(ctx)
    if err != nil {
        return nil, err
    }
    var out []link.Device
    for _, d := range devicesOf(objs, a.Path) {
        if d.Device.Paired {
            out = append(out, d.Device)
        }
    }
    return out, nil
}

func (g *Gateway) LookupDevice(ctx context.Context, id string) (link.Device, error) {
    d, err := g.lookup(ctx, id)
    if err != nil {
        return link.Device{}, err
    }
    return d.Device, nil
}

func (g *Gateway) lookup(ctx context.Context, id string) (bluezDevice, error) {
    _, objs, a, err := g.adapter(ctx)
    if err != nil {
        return bluezDevice{}, err
    }
    for _, d := range devicesOf(objs, a.Path) {
        if matchDevice(d, id) {
            return d, nil
        }
    }
    return bluezDevice{}, fmt.Errorf("connmgr: lookup %q: %w", id, link.ErrDeviceNotFound)
}

// ensureProfileLocked exports and registers the client-side Profile1 once.
func (g *Gateway) ensureProfileLocked() (*profile, error) {
    if g.prof != nil {
        return g.prof, nil
    }
    bus, err := g.busLocked()
    if err != nil {
        return nil, err
    }
    prof := newProfile(g.log)
    // Unique client path per instance.
    id := atomic.AddUint64(&pathCounter, 1)
    p := dbus.ObjectPath("/org/sppctl/connmgr/client/p" + strconv.FormatUint(id, 10))
    if err := bus.Export(prof, p, profileInterfaceName); err != nil {
        return nil, fmt.Errorf("connmgr: export client profile: %w", err)
    }
    pm := bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
    optsMap := map[string]dbus.Variant{
        "Role": dbus.MakeVariant("client"),
    }
    if call := pm.Call(profileManagerIface+".RegisterProfile", 0, p, g.opts.ServiceUUID, optsMap); call.Err != nil {
        _ = bus.Export(nil, p, profileInterfaceName)
        return nil, fmt.Errorf("connmgr: RegisterProfile(client): %w", call.Err)
    }
    // Unregister client profile on close.
    g.cleanup = append(g.cleanup, func() error {
        prof.shutdown()
        err := pm.Call(profileManagerIface+".UnregisterProfile", 0, p).Err
        return multierr.Append(err, bus.Export(nil, p, profileInterfaceName))
    })
    g.prof = prof
    return prof, nil
}

// Dial asks BlueZ to connect the SPP profile of dev and waits for the RFCOMM
// descriptor delivered through Profile1.NewConnection. The returned transport
// owns the descriptor.
func (g *Gateway) Dial(ctx context.Context, dev link.Device) (link.Transport, error) {
    d, err := g.lookup(ctx, dev.ID)
    if err != nil {
        return nil, err
    }
    if len(d.UUIDs) > 0 && !containsUUID(d.UUIDs, g.opts.ServiceUUID) {
        g.log.Debug("device does not advertise service uuid",
            zap.String("device", dev.ID), zap.String("uuid", g.opts.ServiceUUID))
    }

    g.mu.Lock()
    prof, err := g.ensureProfileLocked()
    bus := g.bus
    g.mu.Unlock()
    if err != nil {
        return nil, err
    }

    ch, cancel := prof.expect(d.Path)
    defer cancel()

    devObj := bus.Object(bluezService, d.Path)
    if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, g.opts.ServiceUUID); call.Err != nil {
        return nil, fmt.Errorf("connmgr: ConnectProfile %s: %w", dev.ID, call.Err)
    }

    select {
    case <-ctx.Done():
        // Best-effort: the profile may still connect after we gave up.
        _ = devObj.Call(deviceIface+".DisconnectProfile", 0, g.opts.ServiceUUID).Err
        return nil, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
    case res := <-ch:
        if res.err != nil {
            return nil, res.err
        }
        return fileFromFD(res.fd)
    }
}

// fileFromFD wraps an RFCOMM socket so that Close unblocks a pending Read.
// The descriptor is switched to non-blocking mode first, which lets the
// runtime poller own it.
func fileFromFD(fd int) (*os.File, error) {
    if err := unix.SetNonblock(fd, true); err != nil {
        _ = unix.Close(fd)
        return nil, fmt.Errorf("connmgr: set nonblock: %w", err)
    }
    return os.NewFile(uintptr(fd), "rfcomm"), nil
}

// Close is safe for concurrent and redundant calls (idempotent).
func (g *Gateway) Close() error {
    g.mu.Lock()
    if g.closed {
        g.mu.Unlock()
        return nil
    }
    g.closed = true
    cleanup := g.cleanup
    g.cleanup = nil
    g.mu.Unlock()

    // Run cleanup outside the lock in reverse order of registration.
    var err error
    for i := len(cleanup) - 1; i >= 0; i-- {
        err = multierr.Append(err, cleanup[i]())
    }
    return err
}
