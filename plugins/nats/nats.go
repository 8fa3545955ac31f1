// Package nats implements core.Broker on NATS. QoS 0 bindings use core NATS
// subjects; QoS 1 and 2 bindings consume through JetStream. It registers
// itself as broker type "nats".
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/miladsoleymani/mqttrigger/broker"
	"github.com/miladsoleymani/mqttrigger/core"
	"github.com/miladsoleymani/mqttrigger/internal/log"
)

func init() {
	broker.Register("nats", func(cfg broker.Config) (core.Broker, error) {
		if cfg.Address == "" {
			return nil, fmt.Errorf("mqttrigger/nats: server URL is required")
		}
		return New(cfg.Address, optsFromConfig(cfg)...)
	})
}

// Broker implements core.Broker for NATS.
//
// Design decisions:
//   - One NATS connection per Broker instance.
//   - Topics use MQTT syntax and are translated to subjects ('/' to '.',
//     '+' to '*', '#' to '>').
//   - QoS 0 subscriptions are plain synchronous subscriptions.
//   - QoS >= 1 subscriptions create (or update) a stream for the filter and
//     an ephemeral consumer per binding, so bindings sharing a filter each
//     get every message. Messages are acked after the handler returns.
//   - QoS >= 1 publishes go through JetStream and fall back to a flushed
//     core publish when no stream captures the subject.
type Broker struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	address string
	opts    options
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// New connects to the NATS server at url (nats://host:port).
func New(url string, fns ...Option) (*Broker, error) {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	if opts.logger == nil {
		opts.logger = log.WithComponent("nats")
	}

	nopts := []nats.Option{nats.Timeout(opts.connectTimeout)}
	if opts.name != "" {
		nopts = append(nopts, nats.Name(opts.name))
	}
	nc, err := nats.Connect(url, nopts...)
	if err != nil {
		return nil, &core.ConnectionError{Op: "connect", Address: url, Err: err}
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("mqttrigger/nats: init jetstream: %w", err)
	}

	opts.logger.Info("connected", "address", url)
	return &Broker{
		conn:    nc,
		js:      js,
		address: url,
		opts:    opts,
		logger:  opts.logger,
	}, nil
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Publish sends payload to the subject for topic.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte, qos core.QoS) error {
	if b.isClosed() {
		return core.ErrBrokerClosed
	}
	if !b.conn.IsConnected() {
		return &core.ConnectionError{Op: "publish", Address: b.address, Err: fmt.Errorf("connection %s", b.conn.Status())}
	}

	subj := subject(topic)
	if qos == core.AtMostOnce {
		return b.publishErr(topic, b.conn.Publish(subj, payload))
	}

	_, err := b.js.Publish(ctx, subj, payload)
	if errors.Is(err, jetstream.ErrNoStreamResponse) || errors.Is(err, nats.ErrNoResponders) {
		// No stream captures the subject.
		if err = b.conn.Publish(subj, payload); err == nil {
			err = b.conn.FlushWithContext(ctx)
		}
	}
	return b.publishErr(topic, err)
}

func (b *Broker) publishErr(topic string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionDraining),
		errors.Is(err, nats.ErrConnectionReconnecting),
		!b.conn.IsConnected():
		return &core.ConnectionError{Op: "publish", Address: b.address, Err: err}
	default:
		return &core.PublishError{Topic: topic, Err: err}
	}
}

// Subscribe consumes messages for topic until ctx is cancelled, calling
// handler for one message at a time.
func (b *Broker) Subscribe(ctx context.Context, topic string, qos core.QoS, handler core.Handler) error {
	if b.isClosed() {
		return core.ErrBrokerClosed
	}
	if qos == core.AtMostOnce {
		return b.subscribeCore(ctx, topic, handler)
	}
	return b.subscribeStream(ctx, topic, qos, handler)
}

func (b *Broker) subscribeCore(ctx context.Context, topic string, handler core.Handler) error {
	sub, err := b.conn.SubscribeSync(subject(topic))
	if err != nil {
		return fmt.Errorf("mqttrigger/nats: subscribe %q: %w", topic, err)
	}
	defer sub.Unsubscribe()

	for {
		m, err := sub.NextMsgWithContext(ctx)
		switch {
		case err == nil:
			_ = handler(ctx, fromMsg(m, core.AtMostOnce))
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, nats.ErrSlowConsumer):
			b.logger.Warn("slow consumer, messages dropped", "topic", topic)
		case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
			return &core.ConnectionError{Op: "subscribe", Address: b.address, Err: err}
		default:
			return fmt.Errorf("mqttrigger/nats: receive on %q: %w", topic, err)
		}
	}
}

func (b *Broker) subscribeStream(ctx context.Context, topic string, qos core.QoS, handler core.Handler) error {
	subj := subject(topic)
	stream, err := b.stream(ctx, subj)
	if err != nil {
		return err
	}

	cons, err := stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject:     subj,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckExplicitPolicy,
		AckWait:           b.opts.ackWait,
		MaxDeliver:        b.opts.maxDeliver,
		InactiveThreshold: b.opts.inactiveThreshold,
	})
	if err != nil {
		return fmt.Errorf("mqttrigger/nats: create consumer on %q: %w", subj, err)
	}
	name := cons.CachedInfo().Name
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stream.DeleteConsumer(dctx, name); err != nil && !b.isClosed() {
			b.logger.Debug("delete consumer", "consumer", name, "error", err)
		}
	}()

	iter, err := cons.Messages()
	if err != nil {
		return fmt.Errorf("mqttrigger/nats: start consume on %q: %w", subj, err)
	}
	defer iter.Stop()
	stop := context.AfterFunc(ctx, iter.Stop)
	defer stop()

	for {
		msg, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				return nil
			}
			return fmt.Errorf("mqttrigger/nats: receive on %q: %w", subj, err)
		}
		if herr := handler(ctx, fromJetStream(msg, qos)); herr != nil {
			err = msg.Nak()
		} else {
			err = msg.Ack()
		}
		if err != nil {
			b.logger.Warn("ack failed", "topic", topic, "error", err)
		}
	}
}

// stream returns the configured stream, or creates one capturing subj.
func (b *Broker) stream(ctx context.Context, subj string) (jetstream.Stream, error) {
	if b.opts.stream != "" {
		s, err := b.js.Stream(ctx, b.opts.stream)
		if err != nil {
			return nil, fmt.Errorf("mqttrigger/nats: stream %q: %w", b.opts.stream, err)
		}
		return s, nil
	}

	name := b.opts.streamPrefix + sanitizeStreamName(subj)
	s, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subj},
		MaxMsgs:   b.opts.maxMsgs,
		MaxBytes:  b.opts.maxBytes,
		MaxAge:    b.opts.maxAge,
		Replicas:  b.opts.replicas,
		Retention: b.opts.retention,
		Storage:   b.opts.storage,
	})
	if err != nil {
		return nil, fmt.Errorf("mqttrigger/nats: create stream %q: %w", name, err)
	}
	return s, nil
}

// Close closes the NATS connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.conn.Close()
	return nil
}

// sanitizeStreamName converts a subject to a valid stream name. Wildcards
// get distinct spellings so "a.*" and "a.>" do not collide.
func sanitizeStreamName(subj string) string {
	var sb strings.Builder
	for _, tok := range strings.Split(subj, ".") {
		if sb.Len() > 0 {
			sb.WriteByte('_')
		}
		switch tok {
		case "*":
			sb.WriteString("ANY")
		case ">":
			sb.WriteString("ALL")
		default:
			sb.WriteString(strings.Map(func(r rune) rune {
				if r <= ' ' || r == '/' || r == '\\' {
					return '-'
				}
				return r
			}, tok))
		}
	}
	return sb.String()
}

// optsFromConfig extracts options from broker.Config.
func optsFromConfig(cfg broker.Config) []Option {
	opts := []Option{WithConnectTimeout(cfg.Timeout())}
	if cfg.ClientID != "" {
		opts = append(opts, WithName(cfg.ClientID))
	}
	if s := cfg.String("stream"); s != "" {
		opts = append(opts, WithStream(s))
	}
	if v, ok := cfg.Extra["max_deliver"].(int); ok {
		opts = append(opts, WithMaxDeliver(v))
	}
	if v, ok := cfg.Extra["replicas"].(int); ok {
		opts = append(opts, WithReplicas(v))
	}
	return opts
}
