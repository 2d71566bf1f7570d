package sshpool

import (
	"sync"
	"time"
)

// EventType names a pool lifecycle action.
type EventType string

const (
	EventConnected       EventType = "connected"
	EventConnectFailed   EventType = "connect_failed"
	EventEvicted         EventType = "evicted"
	EventIdleClosed      EventType = "idle_closed"
	EventKeepaliveFailed EventType = "keepalive_failed"
	EventPoolClosed      EventType = "pool_closed"
)

// eventBufferSize is the maximum number of events stored per device.
const eventBufferSize = 100

// Event is one pool lifecycle action on a device.
type Event struct {
	Device    string    `json:"device"`
	Type      EventType `json:"type"`
	ConnID    string    `json:"conn_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}

// eventBuffer is a fixed-size ring buffer of Events for one device.
type eventBuffer struct {
	events [eventBufferSize]Event
	head   int
	count  int
}

func (b *eventBuffer) record(e Event) {
	b.events[b.head] = e
	b.head = (b.head + 1) % eventBufferSize
	if b.count < eventBufferSize {
		b.count++
	}
}

// history returns events oldest first.
func (b *eventBuffer) history() []Event {
	if b.count == 0 {
		return nil
	}
	out := make([]Event, b.count)
	if b.count < eventBufferSize {
		copy(out, b.events[:b.count])
	} else {
		n := copy(out, b.events[b.head:])
		copy(out[n:], b.events[:b.head])
	}
	return out
}

// EventListener receives every recorded event. Listeners run synchronously
// on the recording goroutine and must not block.
type EventListener func(Event)

// EventLog keeps per-device event history and the derived connection state.
// One EventLog is shared by all pools of a session manager.
type EventLog struct {
	mu        sync.RWMutex
	buffers   map[string]*eventBuffer
	states    map[string]*stateEntry
	listeners map[int]EventListener
	nextID    int
}

func NewEventLog() *EventLog {
	return &EventLog{
		buffers:   make(map[string]*eventBuffer),
		states:    make(map[string]*stateEntry),
		listeners: make(map[int]EventListener),
	}
}

// Record stores an event and notifies listeners.
func (l *EventLog) Record(dev string, typ EventType, connID, details string) {
	if l == nil {
		return
	}
	e := Event{Device: dev, Type: typ, ConnID: connID, Timestamp: time.Now(), Details: details}

	l.mu.Lock()
	buf, ok := l.buffers[dev]
	if !ok {
		buf = &eventBuffer{}
		l.buffers[dev] = buf
	}
	buf.record(e)
	listeners := make([]EventListener, 0, len(l.listeners))
	for _, fn := range l.listeners {
		listeners = append(listeners, fn)
	}
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(e)
	}
}

// History returns a device's events oldest first, or nil.
func (l *EventLog) History(dev string) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if buf, ok := l.buffers[dev]; ok {
		return buf.history()
	}
	return nil
}

// Subscribe registers fn and returns a function that removes it.
func (l *EventLog) Subscribe(fn EventListener) (unsubscribe func()) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

// Forget drops all history for a device.
func (l *EventLog) Forget(dev string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buffers, dev)
	delete(l.states, dev)
}
