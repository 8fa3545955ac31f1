// Package engine bridges inbound messages into sandboxed guest modules.
//
// An Engine produces a fresh GuestModule for every invocation; the Bridge
// drives exactly one HandleMessage call on it while exposing a host publish
// capability, and classifies failures into core.InvocationError kinds.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned (wrapped) by engines when no module exists for a
// component identifier.
var ErrNotFound = errors.New("engine: component not found")

// Host is the set of capabilities a guest may call back into while it is
// handling a message.
type Host interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// GuestModule is one isolated instance of a component. It is used for a
// single invocation and then closed.
type GuestModule interface {
	HandleMessage(ctx context.Context, payload []byte) error
	Close(ctx context.Context) error
}

// Engine loads components and instantiates them. Implementations must
// return instances that share no mutable state with earlier instances.
type Engine interface {
	Instantiate(ctx context.Context, component string, host Host) (GuestModule, error)
	Close(ctx context.Context) error
}

// ApplicationError is returned by a guest handler that completed but
// reported failure.
type ApplicationError struct {
	Code    uint32
	Message string
}

func (e *ApplicationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("handler error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("handler error %d", e.Code)
}

// TrapError is returned when a guest aborted abnormally.
type TrapError struct {
	Err error
}

func (e *TrapError) Error() string { return "trap: " + e.Err.Error() }

func (e *TrapError) Unwrap() error { return e.Err }
