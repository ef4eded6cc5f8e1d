package link

import "context"

// Result is the single value delivered by an Async operation.
type Result[T any] struct {
    Value T
    Err   error
}

// Ack is the value type of operations that only report completion.
type Ack struct{}

// async runs fn on its own goroutine. The returned channel yields exactly one
// Result and is then closed.
func async[T any](fn func() (T, error)) <-chan Result[T] {
    ch := make(chan Result[T], 1)
    go func() {
        defer close(ch)
        v, err := fn()
        ch <- Result[T]{Value: v, Err: err}
    }()
    return ch
}

func ack(err error) (Ack, error) { return Ack{}, err }

// Await blocks until r resolves or ctx is done.
func Await[T any](ctx context.Context, r <-chan Result[T]) (T, error) {
    select {
    case res := <-r:
        return res.Value, res.Err
    case <-ctx.Done():
        var zero T
        return zero, ctx.Err()
    }
}

func (m *Manager) QueryEnabledAsync(ctx context.Context) <-chan Result[bool] {
    return async(func() (bool, error) { return m.QueryEnabled(ctx) })
}

func (m *Manager) RequestEnableAsync(ctx context.Context) <-chan Result[Ack] {
    return async(func() (Ack, error) { return ack(m.RequestEnable(ctx)) })
}

func (m *Manager) ListPairedDevicesAsync(ctx context.Context) <-chan Result[[]Device] {
    return async(func() ([]Device, error) { return m.ListPairedDevices(ctx) })
}

func (m *Manager) ConnectAsync(ctx context.Context, deviceID string) <-chan Result[Device] {
    return async(func() (Device, error) { return m.Connect(ctx, deviceID) })
}

func (m *Manager) DisconnectAsync(ctx context.Context) <-chan Result[Ack] {
    return async(func() (Ack, error) { return ack(m.Disconnect(ctx)) })
}

func (m *Manager) WriteAsync(ctx context.Context, p []byte) <-chan Result[Ack] {
    buf := append([]byte(nil), p...)
    return async(func() (Ack, error) { return ack(m.Write(ctx, buf)) })
}
