package link

import (
    "context"
    "errors"
    "io"
    "sync"

    "go.uber.org/zap"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
    return func(m *Manager) {
        if l != nil {
            m.log = l
        }
    }
}

// WithSink registers the initial event subscriber.
func WithSink(s EventSink) Option {
    return func(m *Manager) {
        if s != nil {
            m.sink = s
        }
    }
}

// WithReadBufferSize sets the maximum size of one read, and so of one
// dataReceived payload.
func WithReadBufferSize(n int) Option {
    return func(m *Manager) {
        if n > 0 {
            m.bufSize = n
        }
    }
}

// Manager owns at most one Connection and supervises its reader loop.
type Manager struct {
    gw      AdapterGateway
    dialer  Dialer
    log     *zap.Logger
    bufSize int

    // mu guards conn, including its transport. It is never held across
    // Dial or a transport Read.
    mu   sync.Mutex
    conn Connection

    lastGen uint64 // guarded by mu

    // emitMu serializes event delivery against generation invalidation.
    // Lock order: mu, then emitMu.
    emitMu sync.Mutex
    live   uint64 // generation allowed to emit; 0 when none
    sink   EventSink

    readers sync.WaitGroup
}

// New creates a manager. gw and dialer are required.
func New(gw AdapterGateway, dialer Dialer, opts ...Option) *Manager {
    m := &Manager{
        gw:      gw,
        dialer:  dialer,
        log:     zap.NewNop(),
        bufSize: DefaultReadBufferSize,
        sink:    nopSink{},
    }
    for _, o := range opts {
        o(m)
    }
    m.log = m.log.Named("link")
    return m
}

// SetSink replaces the active subscriber. A nil sink discards events.
func (m *Manager) SetSink(s EventSink) {
    if s == nil {
        s = nopSink{}
    }
    m.emitMu.Lock()
    m.sink = s
    m.emitMu.Unlock()
}

// QueryEnabled reports whether the adapter radio is powered.
func (m *Manager) QueryEnabled(ctx context.Context) (bool, error) {
    on, err := m.gw.Enabled(ctx)
    if err != nil {
        return false, opError("query enabled", ErrAdapterUnavailable, err)
    }
    return on, nil
}

// RequestEnable forwards to the adapter. Connection state is untouched.
func (m *Manager) RequestEnable(ctx context.Context) error {
    if err := m.gw.RequestEnable(ctx); err != nil {
        return opError("request enable", ErrAdapterUnavailable, err)
    }
    return nil
}

// ListPairedDevices returns bonded devices in adapter order.
func (m *Manager) ListPairedDevices(ctx context.Context) ([]Device, error) {
    devs, err := m.gw.PairedDevices(ctx)
    if err != nil {
        return nil, opError("list paired devices", ErrAdapterUnavailable, err)
    }
    out := make([]Device, 0, len(devs))
    for _, d := range devs {
        if d.ID == "" {
            m.log.Debug("skipping paired device without id", zap.String("name", d.Name))
            continue
        }
        d.Paired = true
        out = append(out, d)
    }
    return out, nil
}

// Connect resolves deviceID, supersedes any existing connection and opens a
// new session. On success the reader loop is running when Connect returns.
func (m *Manager) Connect(ctx context.Context, deviceID string) (Device, error) {
    const op = "connect"
    if deviceID == "" {
        return Device{}, &Error{Op: op, Kind: ErrDeviceNotFound, Err: errors.New("empty device id")}
    }
    dev, err := m.gw.LookupDevice(ctx, deviceID)
    if err != nil {
        return Device{}, opError(op, ErrDeviceNotFound, err)
    }

    m.mu.Lock()
    if m.conn.State != StateDisconnected {
        m.log.Info("superseding connection",
            zap.String("device", m.conn.Device.ID),
            zap.Stringer("state", m.conn.State),
            zap.Uint64("generation", m.conn.Generation))
        m.teardownLocked("superseded")
    }
    m.lastGen++
    gen := m.lastGen
    // teardownLocked cancels the dial if the attempt is superseded or
    // disconnected before it completes.
    dialCtx, cancel := context.WithCancel(ctx)
    m.conn = Connection{Device: dev, State: StateConnecting, Generation: gen, cancel: cancel}
    m.mu.Unlock()

    log := m.log.With(zap.String("device", dev.ID), zap.Uint64("generation", gen))
    log.Debug("dialing")
    t, err := m.dialer.Dial(dialCtx, dev)
    cancel()

    m.mu.Lock()
    defer m.mu.Unlock()
    if m.conn.Generation != gen || m.conn.State != StateConnecting {
        // Superseded or disconnected while dialing; the newer owner of conn
        // already cleaned up, only our own transport is left.
        if t != nil {
            m.closeTransport(t, "late transport")
        }
        if err == nil {
            err = errors.New("attempt superseded")
        }
        log.Info("connect aborted", zap.Error(err))
        return Device{}, &Error{Op: op, Kind: ErrConnectFailed, Err: err}
    }
    if err != nil {
        if t != nil {
            m.closeTransport(t, "partial transport")
        }
        m.conn.State = StateDisconnected
        m.conn.cancel = nil
        log.Warn("connect failed", zap.Error(err))
        return Device{}, &Error{Op: op, Kind: ErrConnectFailed, Err: err}
    }

    m.conn.transport = t
    m.conn.cancel = nil
    m.conn.State = StateConnected
    m.emitMu.Lock()
    m.live = gen
    m.emitMu.Unlock()

    m.readers.Add(1)
    go m.readLoop(gen, t)
    log.Info("connected", zap.String("name", dev.Name))
    return dev, nil
}

// Disconnect ends the current session. It always succeeds: close errors are
// logged because the end state is reached regardless.
func (m *Manager) Disconnect(ctx context.Context) error {
    _ = ctx // teardown never blocks on the peer
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.conn.State == StateDisconnected {
        m.log.Debug("disconnect on idle manager", zap.NamedError("info", ErrAlreadyDisconnected))
        return nil
    }
    m.log.Info("disconnecting",
        zap.String("device", m.conn.Device.ID),
        zap.Uint64("generation", m.conn.Generation))
    m.teardownLocked("disconnect")
    return nil
}

// Write sends p in full and flushes. A failed write tears the session down
// the same way a failed read does.
func (m *Manager) Write(ctx context.Context, p []byte) error {
    const op = "write"
    _ = ctx // writes are not cancellable mid-buffer; closing the link is.
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.conn.State != StateConnected {
        return &Error{Op: op, Kind: ErrNotConnected}
    }
    t := m.conn.transport
    err := writeFull(t, p)
    if err == nil {
        if f, ok := t.(Flusher); ok {
            err = f.Flush()
        }
    }
    if err != nil {
        m.log.Warn("write failed",
            zap.String("device", m.conn.Device.ID),
            zap.Uint64("generation", m.conn.Generation),
            zap.Error(err))
        m.failLocked(m.conn.Generation, err)
        return &Error{Op: op, Kind: ErrIO, Err: err}
    }
    return nil
}

// IsConnected reports whether a session is in StateConnected.
func (m *Manager) IsConnected() bool {
    m.mu.Lock()
    defer m.mu.Unlock()
    return m.conn.State == StateConnected
}

// Snapshot returns a copy of the current connection. The copy does not own
// the transport.
func (m *Manager) Snapshot() Connection {
    m.mu.Lock()
    defer m.mu.Unlock()
    c := m.conn
    c.transport = nil
    c.cancel = nil
    return c
}

// ConnectedDevice returns the device of the live session, if any.
func (m *Manager) ConnectedDevice() (Device, bool) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.conn.State != StateConnected {
        return Device{}, false
    }
    return m.conn.Device, true
}

// Close disconnects and waits for every reader goroutine to exit.
func (m *Manager) Close() error {
    err := m.Disconnect(context.Background())
    m.readers.Wait()
    return err
}

func (m *Manager) readLoop(gen uint64, t Transport) {
    defer m.readers.Done()
    buf := make([]byte, m.bufSize)
    for {
        n, err := t.Read(buf)
        if n > 0 {
            if !m.emitData(gen, append([]byte(nil), buf[:n]...)) {
                m.log.Debug("stale reader exiting", zap.Uint64("generation", gen))
                return
            }
        }
        if n == 0 && err == nil {
            err = io.EOF
        }
        if err != nil {
            m.readerFailed(gen, err)
            return
        }
    }
}

func (m *Manager) emitData(gen uint64, p []byte) bool {
    m.emitMu.Lock()
    defer m.emitMu.Unlock()
    if m.live != gen {
        return false
    }
    m.sink.OnDataReceived(p)
    return true
}

func (m *Manager) readerFailed(gen uint64, err error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.conn.Generation != gen || m.conn.State != StateConnected {
        m.log.Debug("reader stopped after teardown", zap.Uint64("generation", gen), zap.Error(err))
        return
    }
    m.log.Warn("read failed",
        zap.String("device", m.conn.Device.ID),
        zap.Uint64("generation", gen),
        zap.Error(err))
    m.failLocked(gen, err)
}

// failLocked reports a terminal I/O failure of session gen and tears it down.
func (m *Manager) failLocked(gen uint64, cause error) {
    m.emitMu.Lock()
    if m.live == gen {
        m.sink.OnConnectionError(failureReason(cause))
        m.live = 0
    }
    m.emitMu.Unlock()
    m.teardownLocked("i/o failure")
}

// teardownLocked moves conn to StateDisconnected. The live generation is
// revoked before the transport is closed so a reader woken by the close
// cannot emit.
func (m *Manager) teardownLocked(reason string) {
    m.emitMu.Lock()
    m.live = 0
    m.emitMu.Unlock()

    if m.conn.cancel != nil {
        m.conn.cancel()
        m.conn.cancel = nil
    }
    if t := m.conn.transport; t != nil {
        m.conn.State = StateClosing
        m.closeTransport(t, reason)
        m.conn.transport = nil
    }
    m.conn.State = StateDisconnected
}

func (m *Manager) closeTransport(t Transport, reason string) {
    if err := t.Close(); err != nil {
        m.log.Warn("close transport", zap.String("reason", reason), zap.Error(err))
    }
}

func writeFull(w io.Writer, p []byte) error {
    for len(p) > 0 {
        n, err := w.Write(p)
        if err != nil {
            return err
        }
        if n == 0 {
            return io.ErrShortWrite
        }
        p = p[n:]
    }
    return nil
}

func failureReason(err error) string {
    if errors.Is(err, io.EOF) {
        return "connection closed by peer"
    }
    return err.Error()
}
