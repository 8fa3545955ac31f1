package core

import "context"

// Broker defines the contract for message broker implementations.
// Each broker plugin must implement this interface and be safe for
// concurrent use by every listener of a Dispatcher.
type Broker interface {
	// Publish sends payload to topic. Transport failures are reported as
	// *ConnectionError; anything else means the broker refused the message.
	Publish(ctx context.Context, topic string, payload []byte, qos QoS) error

	// Subscribe delivers messages matching topic to h, one at a time and in
	// arrival order, until ctx is done. Several subscriptions may share a topic.
	Subscribe(ctx context.Context, topic string, qos QoS, h Handler) error

	Close() error
}
