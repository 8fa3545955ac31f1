package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miladsoleymani/mqttrigger/internal/log"
)

// DefaultDrainTimeout bounds how long Start waits for in-flight invocations
// after cancellation.
const DefaultDrainTimeout = 10 * time.Second

// Invoker runs one guest invocation for a component.
type Invoker interface {
	Invoke(ctx context.Context, component string, payload []byte) (Result, error)
}

// Result is the opaque success value of an invocation.
type Result struct {
	Component string
	Duration  time.Duration
	Published int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDrainTimeout sets how long in-flight invocations may run after
// shutdown begins. Non-positive values keep the default.
func WithDrainTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.drainTimeout = t
		}
	}
}

// Dispatcher owns one Listener per ComponentBinding and bridges every
// message a listener receives into an Invoker call.
type Dispatcher struct {
	meta         TriggerMetadata
	broker       Broker
	invoker      Invoker
	middlewares  []Middleware
	listeners    []*Listener
	logger       *slog.Logger
	drainTimeout time.Duration

	mu      sync.Mutex
	started bool
}

// New creates a Dispatcher for the given bindings. The binding list is
// copied and fixed for the lifetime of the Dispatcher.
func New(meta TriggerMetadata, bindings []ComponentBinding, b Broker, inv Invoker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		meta:         meta,
		broker:       b,
		invoker:      inv,
		drainTimeout: DefaultDrainTimeout,
		listeners:    make([]*Listener, 0, len(bindings)),
	}
	for _, bnd := range bindings {
		d.listeners = append(d.listeners, newListener(bnd))
	}
	for _, fn := range opts {
		fn(d)
	}
	if d.logger == nil {
		d.logger = log.Get()
	}
	return d
}

// Use registers middleware around every invocation. Middleware is applied
// in registration order: the first registered runs outermost.
func (d *Dispatcher) Use(m Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middlewares = append(d.middlewares, m)
}

// Metadata returns the trigger metadata the dispatcher was built with.
func (d *Dispatcher) Metadata() TriggerMetadata { return d.meta }

// Listeners returns a snapshot of every listener, in binding order.
func (d *Dispatcher) Listeners() []ListenerStatus {
	out := make([]ListenerStatus, len(d.listeners))
	for i, l := range d.listeners {
		out[i] = l.Status()
	}
	return out
}

// Start subscribes every binding and processes messages until ctx is
// cancelled. On cancellation all listeners stop receiving, in-flight
// invocations get the drain timeout to finish, and the broker is closed.
// A listener whose subscription fails stops alone; Start returns early only
// when every listener has stopped.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.broker == nil {
		d.mu.Unlock()
		return ErrNoBroker
	}
	if d.invoker == nil {
		d.mu.Unlock()
		return ErrNoInvoker
	}
	if d.started {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	if len(d.listeners) == 0 {
		d.mu.Unlock()
		return ErrNoBindings
	}
	d.started = true
	mws := make([]Middleware, len(d.middlewares))
	copy(mws, d.middlewares)
	d.mu.Unlock()

	// Invocations run on a context that survives the shutdown signal so they
	// can drain; hardCancel aborts them once the drain timeout expires.
	hardCtx, hardCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer hardCancel()

	handler := applyMiddleware(d.invoke, mws)

	d.logger.Info("starting listeners",
		"type", d.meta.Type, "address", d.meta.Address, "qos", d.meta.QoS,
		"listeners", len(d.listeners))

	var wg sync.WaitGroup
	for _, l := range d.listeners {
		lctx, cancel := context.WithCancel(ctx)
		l.cancel = cancel
		wg.Add(1)
		go func(l *Listener) {
			defer wg.Done()
			d.run(lctx, hardCtx, l, handler)
		}(l)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// Every subscription ended without a shutdown request.
		errs := make([]error, 0, len(d.listeners))
		for _, l := range d.listeners {
			if err := l.err(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(append(errs, d.closeBroker())...)
	case <-ctx.Done():
	}

	d.logger.Info("shutting down listeners", "drain_timeout", d.drainTimeout)
	for _, l := range d.listeners {
		l.shutdown()
	}

	var drainErr error
	timer := time.NewTimer(d.drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		hardCancel()
		drainErr = ErrDrainTimeout
		d.logger.Warn("drain timeout exceeded, aborting in-flight invocations")
	}

	return errors.Join(drainErr, d.closeBroker())
}

func (d *Dispatcher) closeBroker() error {
	if err := d.broker.Close(); err != nil {
		return fmt.Errorf("mqttrigger: close broker: %w", err)
	}
	return nil
}

// run drives one listener: subscribe, then invoke for every message until
// the subscription ends.
func (d *Dispatcher) run(lctx, hardCtx context.Context, l *Listener, handler Handler) {
	b := l.binding
	logger := d.logger.With("component", b.Component, "topic", b.Topic, "qos", b.QoS)
	logger.Info("listener started")

	l.setState(StateWaitingForMessage)
	err := d.broker.Subscribe(lctx, b.Topic, b.QoS, func(_ context.Context, msg Message) error {
		if lctx.Err() != nil {
			// Backlog delivered after shutdown was requested is left
			// unprocessed; at-least-once backends redeliver it.
			return ErrShuttingDown
		}
		l.setState(StateInvoking)
		id := uuid.NewString()
		ictx := WithInvocationID(WithBinding(hardCtx, b), id)

		herr := handler(ictx, msg)
		l.record(herr)
		if herr != nil {
			logger.Debug("invocation failed", "invocation_id", id, "error", herr)
		}

		if lctx.Err() != nil {
			l.setState(StateShuttingDown)
		} else {
			l.setState(StateWaitingForMessage)
		}
		// Invocation failures stay with the listener; the broker never
		// redelivers because of them. middleware.Logging reports them.
		return nil
	})
	if err != nil && lctx.Err() == nil {
		l.fail(fmt.Errorf("mqttrigger: subscribe %q: %w", b.Topic, err))
		logger.Error("listener stopped", "error", err)
	} else {
		logger.Info("listener stopped")
	}
	l.setState(StateTerminated)
}

// invoke is the innermost handler: it hands the payload to the invoker for
// the binding carried by ctx.
func (d *Dispatcher) invoke(ctx context.Context, msg Message) error {
	b, ok := BindingFromContext(ctx)
	if !ok {
		return fmt.Errorf("mqttrigger: message on %q has no binding", msg.Topic)
	}
	_, err := d.invoker.Invoke(ctx, b.Component, msg.Payload)
	return err
}

// applyMiddleware wraps a handler with middleware in reverse order.
// Given middleware [A, B, C], the call order is A -> B -> C -> handler.
func applyMiddleware(h Handler, mws []Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
