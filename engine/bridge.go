package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/miladsoleymani/mqttrigger/core"
	"github.com/miladsoleymani/mqttrigger/internal/log"
)

// Bridge implements core.Invoker on top of an Engine.
type Bridge struct {
	engine    Engine
	publisher *core.Publisher
	logger    *slog.Logger
}

// NewBridge creates a Bridge. A nil logger uses the process logger.
func NewBridge(e Engine, p *core.Publisher, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = log.WithComponent("bridge")
	}
	return &Bridge{engine: e, publisher: p, logger: logger}
}

// Invoke instantiates component, hands it payload exactly once and releases
// the instance and its publish capability whatever the outcome.
func (b *Bridge) Invoke(ctx context.Context, component string, payload []byte) (core.Result, error) {
	start := time.Now()

	capability := b.publisher.Open(component)
	defer capability.Close()

	guest, err := b.engine.Instantiate(ctx, component, capability)
	if err != nil {
		return core.Result{}, classifyInstantiate(component, err)
	}
	defer func() {
		if cerr := guest.Close(context.WithoutCancel(ctx)); cerr != nil {
			b.logger.Warn("release guest instance", "component", component, "error", cerr)
		}
	}()

	if err := guest.HandleMessage(ctx, payload); err != nil {
		return core.Result{}, classifyCall(ctx, component, err)
	}

	res := core.Result{
		Component: component,
		Duration:  time.Since(start),
		Published: capability.Sent(),
	}
	b.logger.Debug("invocation complete",
		"component", component,
		"invocation_id", core.InvocationIDFromContext(ctx),
		"duration", res.Duration,
		"published", res.Published)
	return res, nil
}

func classifyInstantiate(component string, err error) error {
	var ie *core.InvocationError
	if errors.As(err, &ie) {
		return err
	}
	kind := core.KindSandbox
	if errors.Is(err, ErrNotFound) {
		kind = core.KindMissingComponent
	}
	return &core.InvocationError{Component: component, Kind: kind, Err: err}
}

func classifyCall(ctx context.Context, component string, err error) error {
	var ie *core.InvocationError
	if errors.As(err, &ie) {
		return err
	}
	var appErr *ApplicationError
	var trap *TrapError
	kind := core.KindSandbox
	switch {
	case errors.As(err, &appErr):
		kind = core.KindApplication
	case errors.As(err, &trap), ctx.Err() != nil:
		kind = core.KindTrap
	}
	return &core.InvocationError{Component: component, Kind: kind, Err: err}
}
