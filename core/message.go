package core

import "context"

// QoS is an MQTT-style delivery guarantee level (0, 1 or 2).
type QoS uint8

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2
)

// Valid reports whether q is one of the three defined levels.
func (q QoS) Valid() bool { return q <= ExactlyOnce }

// Message is a single delivery from the broker to a subscription.
// It is handed to exactly one listener and discarded after its invocation.
type Message struct {
	Topic   string
	Payload []byte
	QoS     QoS
}

// PublishRequest is an outbound message requested by a guest module.
type PublishRequest struct {
	Topic   string
	Payload []byte
}

// Handler is the low-level handler used by broker subscriptions.
// Brokers call it sequentially for a given subscription.
type Handler func(ctx context.Context, msg Message) error

// Middleware wraps a Handler to add cross-cutting behavior.
//
//	func MyMiddleware() core.Middleware {
//	    return func(next core.Handler) core.Handler {
//	        return func(ctx context.Context, msg core.Message) error {
//	            // before
//	            err := next(ctx, msg)
//	            // after
//	            return err
//	        }
//	    }
//	}
type Middleware func(Handler) Handler
