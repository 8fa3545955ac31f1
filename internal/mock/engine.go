package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/miladsoleymani/mqttrigger/engine"
)

// GuestFunc is the body of a fake guest handler.
type GuestFunc func(ctx context.Context, payload []byte, host engine.Host) error

// Engine is a test double for engine.Engine backed by Go functions.
type Engine struct {
	mu             sync.Mutex
	guests         map[string]GuestFunc
	instantiated   int
	released       int
	closed         bool
	InstantiateErr error
}

func NewEngine() *Engine {
	return &Engine{guests: make(map[string]GuestFunc)}
}

// Register installs fn as the handler of component.
func (e *Engine) Register(component string, fn GuestFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.guests[component] = fn
}

func (e *Engine) Instantiate(_ context.Context, component string, host engine.Host) (engine.GuestModule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.InstantiateErr != nil {
		return nil, e.InstantiateErr
	}
	fn, ok := e.guests[component]
	if !ok {
		return nil, fmt.Errorf("%w: %q", engine.ErrNotFound, component)
	}
	e.instantiated++
	return &guest{fn: fn, host: host, engine: e}, nil
}

func (e *Engine) Close(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Instantiated returns how many instances were created.
func (e *Engine) Instantiated() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instantiated
}

// Released returns how many instances were closed.
func (e *Engine) Released() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

type guest struct {
	fn     GuestFunc
	host   engine.Host
	engine *Engine
}

func (g *guest) HandleMessage(ctx context.Context, payload []byte) error {
	return g.fn(ctx, payload, g.host)
}

func (g *guest) Close(context.Context) error {
	g.engine.mu.Lock()
	g.engine.released++
	g.engine.mu.Unlock()
	return nil
}
