package broker

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/miladsoleymani/mqttrigger/core"
)

// Factory connects a Broker for one trigger type. The returned broker is
// shared by every listener of the trigger.
type Factory func(cfg Config) (core.Broker, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a backend available under the manifest's trigger.type.
// Plugins call it from init(). Registering a nil factory or the same type
// twice panics.
func Register(typ string, factory Factory) {
	if factory == nil {
		panic("mqttrigger: Register factory is nil for " + typ)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, dup := factories[typ]; dup {
		panic("mqttrigger: Register called twice for broker type " + typ)
	}
	factories[typ] = factory
}

// Create connects the backend registered for typ.
func Create(typ string, cfg Config) (core.Broker, error) {
	mu.RLock()
	f, ok := factories[typ]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mqttrigger: unknown broker type %q (registered: %s)", typ, strings.Join(Names(), ", "))
	}
	b, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("mqttrigger: create %s broker: %w", typ, err)
	}
	return b, nil
}

// Names returns the registered broker types, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for typ := range factories {
		names = append(names, typ)
	}
	sort.Strings(names)
	return names
}
