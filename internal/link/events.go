package link

import (
    "sync"
    "time"

    "go.uber.org/atomic"
)

// EventSink receives asynchronous notifications from the reader loop.
//
// Methods are called with the manager's emission lock held. They must return
// promptly and must not call back into the Manager on the same goroutine.
type EventSink interface {
    OnDataReceived(payload []byte)
    OnConnectionError(reason string)
}

// EventType classifies an Event.
type EventType string

const (
    EventDataReceived    EventType = "dataReceived"
    EventConnectionError EventType = "connectionError"
)

// Event is one notification delivered through a ChanSink.
type Event struct {
    Type      EventType
    Timestamp time.Time
    Payload   []byte // EventDataReceived
    Reason    string // EventConnectionError
}

type nopSink struct{}

func (nopSink) OnDataReceived([]byte)    {}
func (nopSink) OnConnectionError(string) {}

// ChanSink forwards events onto a buffered channel so consumers can process
// them off the reader goroutine. Events are dropped when the buffer is full.
type ChanSink struct {
    mu      sync.RWMutex
    ch      chan Event
    closed  bool
    dropped atomic.Uint64
}

// NewChanSink returns a ChanSink with the given buffer size (minimum 1).
func NewChanSink(buffer int) *ChanSink {
    if buffer < 1 {
        buffer = 1
    }
    return &ChanSink{ch: make(chan Event, buffer)}
}

// Events returns the receive side. It is closed by Close.
func (s *ChanSink) Events() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because the buffer was full.
func (s *ChanSink) Dropped() uint64 { return s.dropped.Load() }

func (s *ChanSink) OnDataReceived(payload []byte) {
    s.publish(Event{Type: EventDataReceived, Payload: payload})
}

func (s *ChanSink) OnConnectionError(reason string) {
    s.publish(Event{Type: EventConnectionError, Reason: reason})
}

func (s *ChanSink) publish(e Event) {
    e.Timestamp = time.Now().UTC()
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.closed {
        return
    }
    select {
    case s.ch <- e:
    default:
        s.dropped.Inc()
    }
}

// Close closes the events channel. Later events are discarded. Safe to call
// more than once.
func (s *ChanSink) Close() {
    s.mu.Lock()
    defer s.mu.Unlock()
    if !s.closed {
        s.closed = true
        close(s.ch)
    }
}
