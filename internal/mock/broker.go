package mock

import (
	"context"
	"sync"

	"github.com/miladsoleymani/mqttrigger/core"
)

// Broker is an in-memory test double for core.Broker. Every Subscribe call
// gets its own queue drained by the subscribing goroutine, so handlers for
// one subscription run sequentially like they do on a real broker.
type Broker struct {
	mu           sync.Mutex
	published    []PublishedMessage
	subs         []*subscription
	SubscribeErr error
	PublishErr   error
	closed       bool
	subscribed   chan struct{}
}

// PublishedMessage records a message sent through Publish.
type PublishedMessage struct {
	Topic   string
	Payload []byte
	QoS     core.QoS
}

type subscription struct {
	filter string
	qos    core.QoS
	queue  chan core.Message
}

func NewBroker() *Broker {
	return &Broker{subscribed: make(chan struct{}, 1024)}
}

func (b *Broker) Publish(_ context.Context, topic string, payload []byte, qos core.QoS) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return core.ErrBrokerClosed
	}
	if b.PublishErr != nil {
		return b.PublishErr
	}
	b.published = append(b.published, PublishedMessage{
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
		QoS:     qos,
	})
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, topic string, qos core.QoS, handler core.Handler) error {
	b.mu.Lock()
	if b.SubscribeErr != nil {
		err := b.SubscribeErr
		b.mu.Unlock()
		return err
	}
	s := &subscription{filter: topic, qos: qos, queue: make(chan core.Message, 256)}
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	b.subscribed <- struct{}{}

	// Drain until cancelled, like a real subscription loop.
	for {
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.queue:
			_ = handler(ctx, msg)
		}
	}
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Deliver simulates an incoming message on topic. It is queued for every
// subscription whose filter matches and the number of matches is returned.
func (b *Broker) Deliver(topic string, payload []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subs {
		if core.MatchTopic(s.filter, topic) {
			s.queue <- core.Message{Topic: topic, Payload: payload, QoS: s.qos}
			n++
		}
	}
	return n
}

// WaitSubscribed blocks until n Subscribe calls have registered or ctx ends.
func (b *Broker) WaitSubscribed(ctx context.Context, n int) bool {
	for i := 0; i < n; i++ {
		select {
		case <-b.subscribed:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// Subscriptions returns the filters currently subscribed, in order.
func (b *Broker) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.subs))
	for i, s := range b.subs {
		out[i] = s.filter
	}
	return out
}

// Published returns all messages sent via Publish.
func (b *Broker) Published() []PublishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PublishedMessage, len(b.published))
	copy(out, b.published)
	return out
}

// IsClosed reports whether Close was called.
func (b *Broker) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
