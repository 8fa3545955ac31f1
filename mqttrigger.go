// Package mqttrigger provides the top-level API for the MQTT trigger.
// It re-exports core types for convenience, so users can write:
//
//	meta, bindings, err := manifest.Load("trigger.yaml")
//	d := mqttrigger.New(meta, bindings, b, bridge)
//	d.Start(ctx)
package mqttrigger

import (
	"github.com/miladsoleymani/mqttrigger/core"
)

// Re-export core types at the package level for ergonomic usage.
type (
	Message          = core.Message
	Handler          = core.Handler
	Middleware       = core.Middleware
	Broker           = core.Broker
	Dispatcher       = core.Dispatcher
	Invoker          = core.Invoker
	QoS              = core.QoS
	TriggerMetadata  = core.TriggerMetadata
	ComponentBinding = core.ComponentBinding
)

// New creates a Dispatcher for the bindings on the given Broker.
func New(meta TriggerMetadata, bindings []ComponentBinding, b Broker, inv Invoker, opts ...core.Option) *Dispatcher {
	return core.New(meta, bindings, b, inv, opts...)
}
