package sshpool

import "time"

// ConnectionState summarises a device's pool.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const stateTransitionBufferSize = 50

// StateTransition records a single state change.
type StateTransition struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason,omitempty"`
}

type stateEntry struct {
	current     ConnectionState
	transitions [stateTransitionBufferSize]StateTransition
	head        int
	count       int
}

func (e *stateEntry) record(from, to ConnectionState, reason string) {
	e.transitions[e.head] = StateTransition{From: from, To: to, Timestamp: time.Now(), Reason: reason}
	e.head = (e.head + 1) % stateTransitionBufferSize
	if e.count < stateTransitionBufferSize {
		e.count++
	}
}

func (e *stateEntry) history() []StateTransition {
	out := make([]StateTransition, e.count)
	if e.count < stateTransitionBufferSize {
		copy(out, e.transitions[:e.count])
	} else {
		n := copy(out, e.transitions[e.head:])
		copy(out[n:], e.transitions[:e.head])
	}
	return out
}

// setState moves dev to state, recording a transition when it changes.
func (l *EventLog) setState(dev string, to ConnectionState, reason string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.states[dev]
	if !ok {
		e = &stateEntry{}
		l.states[dev] = e
	}
	if e.current == to {
		return
	}
	e.record(e.current, to, reason)
	e.current = to
}

// State returns the current connection state of dev.
func (l *EventLog) State(dev string) ConnectionState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if e, ok := l.states[dev]; ok {
		return e.current
	}
	return StateDisconnected
}

// Transitions returns dev's state changes oldest first.
func (l *EventLog) Transitions(dev string) []StateTransition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if e, ok := l.states[dev]; ok {
		return e.history()
	}
	return nil
}
