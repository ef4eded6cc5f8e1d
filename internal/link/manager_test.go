package link_test

import (
    "context"
    "errors"
    "fmt"
    "math/rand"
    "sync"
    "testing"
    "time"

    "go.uber.org/atomic"

    "sppctl/internal/link"
    "sppctl/internal/transport/mem"
)

var (
    devA = link.Device{ID: "AA:AA:AA:AA:AA:01", Name: "headset", Paired: true}
    devB = link.Device{ID: "BB:BB:BB:BB:BB:02", Name: "speaker", Paired: true}
    devC = link.Device{ID: "CC:CC:CC:CC:CC:03", Name: "stranger", Paired: false}
)

type recordingSink struct {
    mu     sync.Mutex
    data   [][]byte
    errors []string
}

func (s *recordingSink) OnDataReceived(p []byte) {
    s.mu.Lock()
    s.data = append(s.data, p)
    s.mu.Unlock()
}

func (s *recordingSink) OnConnectionError(reason string) {
    s.mu.Lock()
    s.errors = append(s.errors, reason)
    s.mu.Unlock()
}

func (s *recordingSink) snapshot() (data []string, errs []string) {
    s.mu.Lock()
    defer s.mu.Unlock()
    for _, d := range s.data {
        data = append(data, string(d))
    }
    return data, append([]string(nil), s.errors...)
}

func newHarness(t *testing.T) (*mem.Gateway, *mem.Dialer, *link.Manager, *recordingSink) {
    t.Helper()
    gw := mem.NewGateway(devA, devB, devC)
    d := mem.NewDialer()
    sink := &recordingSink{}
    m := link.New(gw, d, link.WithSink(sink))
    t.Cleanup(func() { _ = m.Close() })
    return gw, d, m, sink
}

func waitFor(t *testing.T, what string, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) {
        if cond() {
            return
        }
        time.Sleep(2 * time.Millisecond)
    }
    t.Fatalf("timed out waiting for %s", what)
}

func TestConnectUnknownDevice(t *testing.T) {
    _, d, m, _ := newHarness(t)
    _, err := m.Connect(context.Background(), "00:00:00:00:00:00")
    if !errors.Is(err, link.ErrDeviceNotFound) {
        t.Fatalf("expected ErrDeviceNotFound, got %v", err)
    }
    if st := m.Snapshot().State; st != link.StateDisconnected {
        t.Fatalf("state=%v, want disconnected", st)
    }
    if len(d.Conns()) != 0 {
        t.Fatalf("dialer should not be used for unknown device")
    }
}

func TestConnectRefusedReleasesTransport(t *testing.T) {
    _, d, m, _ := newHarness(t)
    d.Refuse(devA.ID, errors.New("host is down"))

    _, err := m.Connect(context.Background(), devA.ID)
    if !errors.Is(err, link.ErrConnectFailed) {
        t.Fatalf("expected ErrConnectFailed, got %v", err)
    }
    var le *link.Error
    if !errors.As(err, &le) || le.Op != "connect" {
        t.Fatalf("expected *link.Error for connect, got %#v", err)
    }
    if m.IsConnected() {
        t.Fatalf("expected not connected after refused dial")
    }
    snap := m.Snapshot()
    if snap.State != link.StateDisconnected || snap.HasTransport() {
        t.Fatalf("unexpected snapshot after failure: %+v", snap)
    }
    if n := d.Open(); n != 0 {
        t.Fatalf("expected no open transports, got %d", n)
    }
}

func TestWriteAndReceive(t *testing.T) {
    _, d, m, sink := newHarness(t)
    ctx := context.Background()

    dev, err := m.Connect(ctx, devA.ID)
    if err != nil {
        t.Fatalf("connect: %v", err)
    }
    if dev.ID != devA.ID || dev.Name != devA.Name {
        t.Fatalf("connect returned %+v", dev)
    }
    if got, ok := m.ConnectedDevice(); !ok || got.ID != devA.ID {
        t.Fatalf("ConnectedDevice=%+v,%v", got, ok)
    }

    if err := m.Write(ctx, []byte("hello")); err != nil {
        t.Fatalf("write: %v", err)
    }
    c := d.Last()
    if string(c.Written()) != "hello" {
        t.Fatalf("written=%q", c.Written())
    }
    if c.Flushes() != 1 {
        t.Fatalf("expected one flush, got %d", c.Flushes())
    }
    if data, errs := sink.snapshot(); len(data) != 0 || len(errs) != 0 {
        t.Fatalf("write must not produce events: data=%v errs=%v", data, errs)
    }

    if err := c.Inject([]byte("ACK")); err != nil {
        t.Fatalf("inject: %v", err)
    }
    waitFor(t, "dataReceived", func() bool { data, _ := sink.snapshot(); return len(data) > 0 })
    // give a stray duplicate a chance to show up
    time.Sleep(20 * time.Millisecond)
    data, errs := sink.snapshot()
    if len(data) != 1 || data[0] != "ACK" || len(errs) != 0 {
        t.Fatalf("expected exactly one dataReceived(ACK), got data=%v errs=%v", data, errs)
    }
}

func TestReadBufferBoundsPayload(t *testing.T) {
    gw := mem.NewGateway(devA)
    d := mem.NewDialer()
    sink := &recordingSink{}
    m := link.New(gw, d, link.WithSink(sink), link.WithReadBufferSize(4))
    defer m.Close()

    if _, err := m.Connect(context.Background(), devA.ID); err != nil {
        t.Fatalf("connect: %v", err)
    }
    _ = d.Last().Inject([]byte("abcdefghij"))
    waitFor(t, "all bytes", func() bool { data, _ := sink.snapshot(); return len(data) == 3 })
    data, _ := sink.snapshot()
    if data[0] != "abcd" || data[1] != "efgh" || data[2] != "ij" {
        t.Fatalf("unexpected chunks: %q", data)
    }
}

type lateSink struct {
    returned atomic.Bool
    late     atomic.Int64
    total    atomic.Int64
}

func (s *lateSink) OnDataReceived([]byte) {
    s.total.Inc()
    if s.returned.Load() {
        s.late.Inc()
    }
}

func (s *lateSink) OnConnectionError(string) {
    if s.returned.Load() {
        s.late.Inc()
    }
}

func TestDisconnectWhileReading(t *testing.T) {
    ctx := context.Background()
    for i := 0; i < 50; i++ {
        gw := mem.NewGateway(devA)
        d := mem.NewDialer()
        sink := &lateSink{}
        m := link.New(gw, d, link.WithSink(sink))

        if _, err := m.Connect(ctx, devA.ID); err != nil {
            t.Fatalf("connect: %v", err)
        }
        c := d.Last()
        _ = c.Inject([]byte("buffered"))
        if err := m.Disconnect(ctx); err != nil {
            t.Fatalf("disconnect: %v", err)
        }
        sink.returned.Store(true)

        if !c.Closed() {
            t.Fatalf("transport not closed by disconnect")
        }
        if m.IsConnected() {
            t.Fatalf("still connected after disconnect")
        }
        if err := m.Close(); err != nil {
            t.Fatalf("close: %v", err)
        }
        if n := sink.late.Load(); n != 0 {
            t.Fatalf("iteration %d: %d events delivered after disconnect returned", i, n)
        }
    }
}

func TestDisconnectIdempotent(t *testing.T) {
    _, _, m, _ := newHarness(t)
    ctx := context.Background()
    if err := m.Disconnect(ctx); err != nil {
        t.Fatalf("disconnect on idle manager: %v", err)
    }
    if _, err := m.Connect(ctx, devA.ID); err != nil {
        t.Fatalf("connect: %v", err)
    }
    for i := 0; i < 2; i++ {
        if err := m.Disconnect(ctx); err != nil {
            t.Fatalf("disconnect #%d: %v", i, err)
        }
    }
}

func TestWriteAfterDisconnect(t *testing.T) {
    _, _, m, _ := newHarness(t)
    ctx := context.Background()
    if err := m.Write(ctx, []byte("x")); !errors.Is(err, link.ErrNotConnected) {
        t.Fatalf("write before connect: expected ErrNotConnected, got %v", err)
    }
    if _, err := m.Connect(ctx, devA.ID); err != nil {
        t.Fatalf("connect: %v", err)
    }
    _ = m.Disconnect(ctx)
    if err := m.Write(ctx, []byte("x")); !errors.Is(err, link.ErrNotConnected) {
        t.Fatalf("expected ErrNotConnected, got %v", err)
    }
}

func TestConnectSupersedesLiveSession(t *testing.T) {
    _, d, m, sink := newHarness(t)
    ctx := context.Background()

    if _, err := m.Connect(ctx, devA.ID); err != nil {
        t.Fatalf("connect A: %v", err)
    }
    oldConn := d.Last()
    genA := m.Snapshot().Generation

    if _, err := m.Connect(ctx, devB.ID); err != nil {
        t.Fatalf("connect B: %v", err)
    }
    if !oldConn.Closed() {
        t.Fatalf("old transport not closed")
    }
    snap := m.Snapshot()
    if snap.Device.ID != devB.ID || snap.State != link.StateConnected || snap.Generation <= genA {
        t.Fatalf("unexpected snapshot: %+v", snap)
    }
    if err := oldConn.Inject([]byte("stale")); !errors.Is(err, mem.ErrClosed) {
        t.Fatalf("expected closed old transport, got %v", err)
    }

    newConn := d.Last()
    _ = newConn.Inject([]byte("fresh"))
    waitFor(t, "event from new session", func() bool { data, _ := sink.snapshot(); return len(data) == 1 })
    data, errs := sink.snapshot()
    if data[0] != "fresh" || len(errs) != 0 {
        t.Fatalf("unexpected events: data=%v errs=%v", data, errs)
    }
    if n := d.Open(); n != 1 {
        t.Fatalf("expected exactly one open transport, got %d", n)
    }
}

func waitConnecting(t *testing.T, m *link.Manager) {
    waitFor(t, "connecting state", func() bool { return m.Snapshot().State == link.StateConnecting })
}

func TestConnectSupersedesAttemptInFlight(t *testing.T) {
    _, d, m, _ := newHarness(t)
    ctx := context.Background()

    release := d.Hold(devA.ID)
    resA := m.ConnectAsync(ctx, devA.ID)
    waitConnecting(t, m)

    if _, err := m.Connect(ctx, devB.ID); err != nil {
        t.Fatalf("connect B: %v", err)
    }
    release()

    _, err := link.Await(ctx, resA)
    if !errors.Is(err, link.ErrConnectFailed) {
        t.Fatalf("superseded attempt: expected ErrConnectFailed, got %v", err)
    }
    snap := m.Snapshot()
    if snap.Device.ID != devB.ID || snap.State != link.StateConnected {
        t.Fatalf("B session disturbed: %+v", snap)
    }
    if n := d.Open(); n != 1 {
        t.Fatalf("late transport leaked: open=%d", n)
    }
}

func TestDisconnectAbortsAttemptInFlight(t *testing.T) {
    _, d, m, _ := newHarness(t)
    ctx := context.Background()

    release := d.Hold(devA.ID)
    res := m.ConnectAsync(ctx, devA.ID)
    waitConnecting(t, m)

    if err := m.Disconnect(ctx); err != nil {
        t.Fatalf("disconnect: %v", err)
    }
    release()
    if _, err := link.Await(ctx, res); !errors.Is(err, link.ErrConnectFailed) {
        t.Fatalf("expected ErrConnectFailed, got %v", err)
    }
    if m.IsConnected() || d.Open() != 0 {
        t.Fatalf("aborted attempt left state: connected=%v open=%d", m.IsConnected(), d.Open())
    }
}

func TestPeerHangupEmitsOneError(t *testing.T) {
    _, d, m, sink := newHarness(t)
    if _, err := m.Connect(context.Background(), devA.ID); err != nil {
        t.Fatalf("connect: %v", err)
    }
    c := d.Last()
    _ = c.Inject([]byte("bye"))
    c.Hangup()

    waitFor(t, "disconnect after hangup", func() bool { return !m.IsConnected() })
    waitFor(t, "connectionError", func() bool { _, errs := sink.snapshot(); return len(errs) == 1 })
    data, errs := sink.snapshot()
    if len(data) != 1 || data[0] != "bye" {
        t.Fatalf("expected data before error, got %v", data)
    }
    if errs[0] != "connection closed by peer" {
        t.Fatalf("unexpected reason %q", errs[0])
    }
    if !c.Closed() {
        t.Fatalf("transport not released after EOF")
    }
}

func TestWriteFailureTearsDown(t *testing.T) {
    _, d, m, sink := newHarness(t)
    ctx := context.Background()
    if _, err := m.Connect(ctx, devA.ID); err != nil {
        t.Fatalf("connect: %v", err)
    }
    c := d.Last()
    c.FailWrites(errors.New("broken pipe"))

    err := m.Write(ctx, []byte("cmd"))
    if !errors.Is(err, link.ErrIO) {
        t.Fatalf("expected ErrIO, got %v", err)
    }
    if m.IsConnected() || !c.Closed() {
        t.Fatalf("write failure must tear down: connected=%v closed=%v", m.IsConnected(), c.Closed())
    }
    // the reader wakes on close but is stale by then
    _ = m.Close()
    if _, errs := sink.snapshot(); len(errs) != 1 || errs[0] != "broken pipe" {
        t.Fatalf("expected one connectionError, got %v", errs)
    }
}

func TestAtMostOneLiveConnection(t *testing.T) {
    _, d, m, _ := newHarness(t)
    d.Refuse(devB.ID, nil)
    ctx := context.Background()
    rng := rand.New(rand.NewSource(7))

    for i := 0; i < 200; i++ {
        switch rng.Intn(5) {
        case 0:
            _, _ = m.Connect(ctx, devA.ID)
        case 1:
            _, _ = m.Connect(ctx, devB.ID)
        case 2:
            _ = m.Disconnect(ctx)
        case 3:
            _ = m.Write(ctx, []byte{byte(i)})
        case 4:
            if c := d.Last(); c != nil {
                _ = c.Inject([]byte("x"))
            }
        }
        snap := m.Snapshot()
        if n := d.Open(); n > 1 {
            t.Fatalf("step %d: %d open transports", i, n)
        }
        live := snap.State == link.StateConnected
        if live != (d.Open() == 1) {
            t.Fatalf("step %d: state %v with %d open transports", i, snap.State, d.Open())
        }
        if snap.State == link.StateConnecting || snap.State == link.StateClosing {
            t.Fatalf("step %d: transient state %v leaked", i, snap.State)
        }
    }
}

func TestListPairedDevicesOrder(t *testing.T) {
    _, _, m, _ := newHarness(t)
    devs, err := m.ListPairedDevices(context.Background())
    if err != nil {
        t.Fatalf("list: %v", err)
    }
    if len(devs) != 2 || devs[0].ID != devA.ID || devs[1].ID != devB.ID {
        t.Fatalf("unexpected order: %+v", devs)
    }
    for _, d := range devs {
        if d.ID == "" || !d.Paired {
            t.Fatalf("bad device %+v", d)
        }
    }
}

func TestAdapterUnavailable(t *testing.T) {
    gw, _, m, _ := newHarness(t)
    gw.SetAbsent(true)
    ctx := context.Background()

    if _, err := m.QueryEnabled(ctx); !errors.Is(err, link.ErrAdapterUnavailable) {
        t.Fatalf("QueryEnabled: %v", err)
    }
    if _, err := m.ListPairedDevices(ctx); !errors.Is(err, link.ErrAdapterUnavailable) {
        t.Fatalf("ListPairedDevices: %v", err)
    }
    if err := m.RequestEnable(ctx); !errors.Is(err, link.ErrAdapterUnavailable) {
        t.Fatalf("RequestEnable: %v", err)
    }
    if _, err := m.Connect(ctx, devA.ID); !errors.Is(err, link.ErrAdapterUnavailable) {
        t.Fatalf("Connect: %v", err)
    }
}

func TestRequestEnableKeepsSession(t *testing.T) {
    gw, _, m, _ := newHarness(t)
    gw.SetEnabled(false)
    ctx := context.Background()

    on, err := m.QueryEnabled(ctx)
    if err != nil || on {
        t.Fatalf("QueryEnabled=%v,%v", on, err)
    }
    if _, err := m.Connect(ctx, devA.ID); err != nil {
        t.Fatalf("connect: %v", err)
    }
    if _, err := link.Await(ctx, m.RequestEnableAsync(ctx)); err != nil {
        t.Fatalf("request enable: %v", err)
    }
    if gw.EnableRequests() != 1 || !m.IsConnected() {
        t.Fatalf("requests=%d connected=%v", gw.EnableRequests(), m.IsConnected())
    }
}

func TestDialFailureMatchesOneKind(t *testing.T) {
    _, d, m, _ := newHarness(t)
    d.Refuse(devA.ID, fmt.Errorf("bluez: lookup: %w", link.ErrDeviceNotFound))

    _, err := m.Connect(context.Background(), devA.ID)
    if !errors.Is(err, link.ErrConnectFailed) {
        t.Fatalf("expected ErrConnectFailed, got %v", err)
    }
    for _, other := range []error{link.ErrDeviceNotFound, link.ErrAdapterUnavailable, link.ErrNotConnected, link.ErrIO} {
        if errors.Is(err, other) {
            t.Fatalf("connect failure also matches %v: %v", other, err)
        }
    }

    boom := errors.New("host is down")
    d.Refuse(devB.ID, boom)
    if _, err := m.Connect(context.Background(), devB.ID); !errors.Is(err, boom) {
        t.Fatalf("plain cause must stay reachable: %v", err)
    }
}

func TestSupersededDialIsCancelled(t *testing.T) {
    _, d, m, _ := newHarness(t)
    ctx := context.Background()

    t.Cleanup(d.Hold(devA.ID))
    resA := m.ConnectAsync(ctx, devA.ID)
    waitConnecting(t, m)

    if _, err := m.Connect(ctx, devB.ID); err != nil {
        t.Fatalf("connect B: %v", err)
    }
    select {
    case r := <-resA:
        if !errors.Is(r.Err, link.ErrConnectFailed) {
            t.Fatalf("expected ErrConnectFailed, got %v", r.Err)
        }
    case <-time.After(2 * time.Second):
        t.Fatalf("superseded connect never resolved")
    }
    if !m.IsConnected() || d.Open() != 1 {
        t.Fatalf("B session disturbed: connected=%v open=%d", m.IsConnected(), d.Open())
    }
}

func TestDisconnectCancelsDial(t *testing.T) {
    _, d, m, _ := newHarness(t)
    ctx := context.Background()

    t.Cleanup(d.Hold(devA.ID))
    res := m.ConnectAsync(ctx, devA.ID)
    waitConnecting(t, m)

    if _, err := link.Await(ctx, m.DisconnectAsync(ctx)); err != nil {
        t.Fatalf("disconnect: %v", err)
    }
    select {
    case r := <-res:
        if !errors.Is(r.Err, link.ErrConnectFailed) {
            t.Fatalf("expected ErrConnectFailed, got %v", r.Err)
        }
    case <-time.After(2 * time.Second):
        t.Fatalf("aborted connect never resolved")
    }
    if m.Snapshot().State != link.StateDisconnected || d.Open() != 0 {
        t.Fatalf("aborted attempt left state: %+v open=%d", m.Snapshot(), d.Open())
    }
}

func TestQueryAndListAsync(t *testing.T) {
    gw, _, m, _ := newHarness(t)
    ctx := context.Background()

    gw.SetEnabled(false)
    on, err := link.Await(ctx, m.QueryEnabledAsync(ctx))
    if err != nil || on {
        t.Fatalf("QueryEnabledAsync=%v,%v", on, err)
    }
    devs, err := link.Await(ctx, m.ListPairedDevicesAsync(ctx))
    if err != nil || len(devs) != 2 || devs[0].ID != devA.ID {
        t.Fatalf("ListPairedDevicesAsync=%+v,%v", devs, err)
    }
    gw.SetAbsent(true)
    if _, err := link.Await(ctx, m.QueryEnabledAsync(ctx)); !errors.Is(err, link.ErrAdapterUnavailable) {
        t.Fatalf("expected ErrAdapterUnavailable, got %v", err)
    }
}

func TestWriteAsyncCopiesPayload(t *testing.T) {
    _, d, m, _ := newHarness(t)
    ctx := context.Background()
    if _, err := m.Connect(ctx, devA.ID); err != nil {
        t.Fatalf("connect: %v", err)
    }
    p := []byte("ping")
    res := m.WriteAsync(ctx, p)
    copy(p, "XXXX")
    if _, err := link.Await(ctx, res); err != nil {
        t.Fatalf("write: %v", err)
    }
    if got := string(d.Last().Written()); got != "ping" {
        t.Fatalf("written %q", got)
    }

    if _, err := link.Await(ctx, m.DisconnectAsync(ctx)); err != nil {
        t.Fatalf("disconnect: %v", err)
    }
    if _, err := link.Await(ctx, m.WriteAsync(ctx, []byte("late"))); !errors.Is(err, link.ErrNotConnected) {
        t.Fatalf("expected ErrNotConnected, got %v", err)
    }
}

func TestSetSinkReplacesSubscriber(t *testing.T) {
    _, d, m, first := newHarness(t)
    ctx := context.Background()
    if _, err := m.Connect(ctx, devA.ID); err != nil {
        t.Fatalf("connect: %v", err)
    }
    conn := d.Last()
    _ = conn.Inject([]byte("one"))
    waitFor(t, "first sink data", func() bool {
        data, _ := first.snapshot()
        return len(data) == 1
    })

    second := &recordingSink{}
    m.SetSink(second)
    _ = conn.Inject([]byte("two"))
    waitFor(t, "second sink data", func() bool {
        data, _ := second.snapshot()
        return len(data) == 1 && data[0] == "two"
    })
    conn.Hangup()
    waitFor(t, "second sink error", func() bool {
        _, errs := second.snapshot()
        return len(errs) == 1
    })

    data, errs := first.snapshot()
    if len(data) != 1 || data[0] != "one" || len(errs) != 0 {
        t.Fatalf("replaced sink still received events: data=%v errs=%v", data, errs)
    }
}
