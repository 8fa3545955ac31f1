package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Publisher forwards guest publish requests to the broker using the
// trigger's configured outbound QoS. One Publisher is shared by every
// listener; each invocation gets its own Capability from Open.
type Publisher struct {
	broker Broker
	qos    QoS
}

// NewPublisher creates a Publisher that publishes with meta.QoS.
func NewPublisher(b Broker, meta TriggerMetadata) *Publisher {
	return &Publisher{broker: b, qos: meta.QoS}
}

// QoS returns the outbound QoS used for every publish.
func (p *Publisher) QoS() QoS { return p.qos }

// Open returns a capability scoped to a single invocation of component.
// The caller must Close it when the invocation completes.
func (p *Publisher) Open(component string) *Capability {
	return &Capability{pub: p, component: component}
}

// Capability is the publish capability handed to one guest invocation.
// It stops working once Close is called.
type Capability struct {
	pub       *Publisher
	component string

	mu     sync.RWMutex
	closed bool
	sent   atomic.Int64
}

// Component returns the component the capability was opened for.
func (c *Capability) Component() string { return c.component }

// Publish sends payload to topic. It returns nil only when the broker
// accepted the message, a *ConnectionError on transport failure and a
// *PublishError for every other refusal.
func (c *Capability) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrCapabilityClosed
	}
	if !ValidTopic(topic) {
		return &PublishError{Topic: topic, Err: fmt.Errorf("invalid topic")}
	}
	if c.pub.broker == nil {
		return &PublishError{Topic: topic, Err: ErrNoBroker}
	}

	err := c.pub.broker.Publish(ctx, topic, payload, c.pub.qos)
	if err == nil {
		c.sent.Add(1)
		return nil
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return err
	}
	var pubErr *PublishError
	if errors.As(err, &pubErr) {
		return err
	}
	return &PublishError{Topic: topic, Err: err}
}

// Sent returns how many publishes the broker accepted for this invocation.
func (c *Capability) Sent() int { return int(c.sent.Load()) }

// Close revokes the capability. It waits for publishes already in flight.
func (c *Capability) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
