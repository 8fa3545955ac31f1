package middleware

import (
	"context"
	"time"

	"github.com/miladsoleymani/mqttrigger/core"
)

// MetricsCollector is the interface that metrics backends must implement.
// This keeps the middleware decoupled from any specific metrics library.
type MetricsCollector interface {
	// MessageProcessed records one invocation for binding. err is nil on
	// success.
	MessageProcessed(binding core.ComponentBinding, duration time.Duration, err error)
}

// Metrics returns middleware that reports invocation metrics to the given collector.
func Metrics(collector MetricsCollector) core.Middleware {
	return func(next core.Handler) core.Handler {
		return func(ctx context.Context, msg core.Message) error {
			start := time.Now()
			err := next(ctx, msg)
			b, ok := core.BindingFromContext(ctx)
			if !ok {
				b = core.ComponentBinding{Topic: msg.Topic, QoS: msg.QoS}
			}
			collector.MessageProcessed(b, time.Since(start), err)
			return err
		}
	}
}
