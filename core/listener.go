package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// ListenerState is the lifecycle state of a per-binding listener.
type ListenerState int32

const (
	StateStarting ListenerState = iota
	StateWaitingForMessage
	StateInvoking
	StateShuttingDown
	StateTerminated
)

func (s ListenerState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateWaitingForMessage:
		return "waiting_for_message"
	case StateInvoking:
		return "invoking"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON status output.
func (s ListenerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name produced by MarshalText.
func (s *ListenerState) UnmarshalText(b []byte) error {
	for st := StateStarting; st <= StateTerminated; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown listener state %q", b)
}

// ListenerStatus is a point-in-time snapshot of a listener.
type ListenerStatus struct {
	Binding   ComponentBinding `json:"binding"`
	State     ListenerState    `json:"state"`
	Processed uint64           `json:"processed"`
	Failed    uint64           `json:"failed"`
	LastError string           `json:"last_error,omitempty"`
}

// Listener owns the subscription of a single ComponentBinding.
type Listener struct {
	binding ComponentBinding
	cancel  context.CancelFunc

	state     atomic.Int32
	processed atomic.Uint64
	failed    atomic.Uint64

	mu      sync.Mutex
	lastErr error
}

func newListener(b ComponentBinding) *Listener {
	return &Listener{binding: b}
}

// Binding returns the binding this listener serves.
func (l *Listener) Binding() ComponentBinding { return l.binding }

// State returns the current lifecycle state.
func (l *Listener) State() ListenerState { return ListenerState(l.state.Load()) }

func (l *Listener) setState(s ListenerState) { l.state.Store(int32(s)) }

// shutdown moves an idle listener to ShuttingDown. A listener that is
// invoking moves there itself once the invocation returns.
func (l *Listener) shutdown() {
	l.state.CompareAndSwap(int32(StateWaitingForMessage), int32(StateShuttingDown))
	l.state.CompareAndSwap(int32(StateStarting), int32(StateShuttingDown))
	if l.cancel != nil {
		l.cancel()
	}
}

func (l *Listener) record(err error) {
	l.processed.Add(1)
	if err == nil {
		return
	}
	l.failed.Add(1)
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()
}

func (l *Listener) fail(err error) {
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()
}

func (l *Listener) err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Status returns a snapshot of the listener.
func (l *Listener) Status() ListenerStatus {
	st := ListenerStatus{
		Binding:   l.binding,
		State:     l.State(),
		Processed: l.processed.Load(),
		Failed:    l.failed.Load(),
	}
	if err := l.err(); err != nil {
		st.LastError = err.Error()
	}
	return st
}
