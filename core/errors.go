package core

import (
	"errors"
	"fmt"
)

var (
	// ErrBrokerClosed is returned when operations are attempted on a closed broker.
	ErrBrokerClosed = errors.New("mqttrigger: broker is closed")

	// ErrAlreadyStarted is returned when Start is called on a running dispatcher.
	ErrAlreadyStarted = errors.New("mqttrigger: dispatcher already started")

	// ErrNoBroker is returned when a dispatcher is created without a broker.
	ErrNoBroker = errors.New("mqttrigger: broker is nil")

	// ErrNoInvoker is returned when a dispatcher is created without an invoker.
	ErrNoInvoker = errors.New("mqttrigger: invoker is nil")

	// ErrNoBindings is returned when a dispatcher has nothing to listen on.
	ErrNoBindings = errors.New("mqttrigger: no component bindings")

	// ErrShuttingDown is returned to the broker for messages that arrive
	// at a listener after shutdown was requested. They are not invoked.
	ErrShuttingDown = errors.New("mqttrigger: listener shutting down")

	// ErrDrainTimeout is returned by Start when in-flight invocations did not
	// finish within the drain timeout and were aborted.
	ErrDrainTimeout = errors.New("mqttrigger: drain timeout exceeded, in-flight invocations aborted")

	// ErrCapabilityClosed is returned when a guest publishes after its
	// invocation has completed.
	ErrCapabilityClosed = errors.New("mqttrigger: publish capability used outside its invocation")

	// ErrPublishRejected matches every *PublishError.
	ErrPublishRejected = errors.New("mqttrigger: publish rejected")

	// ErrConnection matches every *ConnectionError.
	ErrConnection = errors.New("mqttrigger: broker connection failed")

	// Invocation error kinds, matched with errors.Is against *InvocationError.
	ErrMissingComponent = errors.New("mqttrigger: component not found")
	ErrSandbox          = errors.New("mqttrigger: sandbox failure")
	ErrTrap             = errors.New("mqttrigger: guest trapped")
	ErrApplication      = errors.New("mqttrigger: handler returned an error")
)

// InvocationKind classifies why a guest invocation failed.
type InvocationKind int

const (
	KindMissingComponent InvocationKind = iota + 1
	KindSandbox
	KindTrap
	KindApplication
)

func (k InvocationKind) String() string {
	switch k {
	case KindMissingComponent:
		return "missing_component"
	case KindSandbox:
		return "sandbox"
	case KindTrap:
		return "trap"
	case KindApplication:
		return "application"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k InvocationKind) sentinel() error {
	switch k {
	case KindMissingComponent:
		return ErrMissingComponent
	case KindSandbox:
		return ErrSandbox
	case KindTrap:
		return ErrTrap
	case KindApplication:
		return ErrApplication
	}
	return nil
}

// InvocationError reports a failed guest invocation. It never terminates the
// listener that observed it.
type InvocationError struct {
	Component string
	Kind      InvocationKind
	Err       error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("mqttrigger: invoke %q (%s): %v", e.Component, e.Kind, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

func (e *InvocationError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// PublishError reports that the broker did not accept an outbound publish.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("mqttrigger: publish to %q rejected: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

func (e *PublishError) Is(target error) bool { return target == ErrPublishRejected }

// ConnectionError reports a transport-level failure talking to the broker.
type ConnectionError struct {
	Op      string
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mqttrigger: %s %s: %v", e.Op, e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }
