// Package kafka implements core.Broker on Apache Kafka using
// segmentio/kafka-go. It registers itself as broker type "kafka".
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/miladsoleymani/mqttrigger/broker"
	"github.com/miladsoleymani/mqttrigger/core"
	"github.com/miladsoleymani/mqttrigger/internal/log"
)

func init() {
	broker.Register("kafka", func(cfg broker.Config) (core.Broker, error) {
		opts, err := optsFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		return New(ParseBrokers(cfg.Address), opts...)
	})
}

// Broker implements core.Broker for Apache Kafka using segmentio/kafka-go.
//
// Design decisions:
//   - One kafka.Writer shared across all Publish calls (thread-safe by library).
//   - One kafka.Reader per Subscribe call. Each reader joins its own consumer
//     group, named from the group prefix, the topic and the subscription's
//     index on that topic, so bindings sharing a topic each receive every
//     message and resume from their committed offset after a restart.
//   - QoS 0 commits the offset before the handler runs; QoS >= 1 commits
//     after it returns.
//   - Kafka has no wildcard subscriptions; filters containing '+' or '#'
//     are rejected.
//   - Graceful shutdown: context cancellation breaks the fetch loop, Close()
//     flushes the writer and closes all readers.
type Broker struct {
	brokers []string
	opts    options
	logger  *slog.Logger

	writer   *kafka.Writer
	readers  []*kafka.Reader
	perTopic map[string]int
	mu       sync.Mutex
	closed   bool
}

// New creates a Kafka Broker.
func New(brokers []string, fns ...Option) (*Broker, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("mqttrigger/kafka: at least one broker address is required")
	}

	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	if opts.logger == nil {
		opts.logger = log.WithComponent("kafka")
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               opts.balancer,
		BatchSize:              opts.batchSize,
		BatchTimeout:           opts.batchTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: opts.autoCreate,
	}
	if opts.dialer != nil {
		w.Transport = &kafka.Transport{
			TLS:  opts.dialer.TLS,
			SASL: opts.dialer.SASLMechanism,
		}
	}

	return &Broker{
		brokers:  brokers,
		opts:     opts,
		logger:   opts.logger,
		writer:   w,
		perTopic: make(map[string]int),
	}, nil
}

// Publish writes payload to the Kafka topic for topic.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte, _ core.QoS) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return core.ErrBrokerClosed
	}
	b.mu.Unlock()

	km := kafka.Message{Topic: kafkaTopic(topic), Value: payload}
	if err := b.writer.WriteMessages(ctx, km); err != nil {
		if isConnErr(err) {
			return &core.ConnectionError{Op: "publish", Address: strings.Join(b.brokers, ","), Err: err}
		}
		return &core.PublishError{Topic: topic, Err: err}
	}
	return nil
}

// Subscribe creates a consumer for the topic and blocks, delivering messages
// to the handler until the context is cancelled.
func (b *Broker) Subscribe(ctx context.Context, topic string, qos core.QoS, handler core.Handler) error {
	if !core.ValidTopic(topic) {
		return fmt.Errorf("mqttrigger/kafka: wildcard filter %q is not supported", topic)
	}
	name := kafkaTopic(topic)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return core.ErrBrokerClosed
	}
	idx := b.perTopic[name]
	b.perTopic[name]++
	b.mu.Unlock()

	cfg := kafka.ReaderConfig{
		Brokers:     b.brokers,
		Topic:       name,
		GroupID:     fmt.Sprintf("%s.%s.%d", b.opts.group, name, idx),
		MinBytes:    b.opts.minBytes,
		MaxBytes:    b.opts.maxBytes,
		MaxWait:     b.opts.maxWait,
		StartOffset: b.opts.startOffset,
	}
	if b.opts.dialer != nil {
		cfg.Dialer = b.opts.dialer
	}

	r := kafka.NewReader(cfg)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		r.Close()
		return core.ErrBrokerClosed
	}
	b.readers = append(b.readers, r)
	b.mu.Unlock()

	b.logger.Debug("subscribed", "topic", name, "group", cfg.GroupID, "qos", qos)
	return b.consumeLoop(ctx, r, qos, handler)
}

// consumeLoop fetches messages and dispatches them to the handler.
func (b *Broker) consumeLoop(ctx context.Context, r *kafka.Reader, qos core.QoS, handler core.Handler) error {
	for {
		raw, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil // graceful shutdown
			}
			if isConnErr(err) {
				return &core.ConnectionError{Op: "fetch", Address: strings.Join(b.brokers, ","), Err: err}
			}
			return fmt.Errorf("mqttrigger/kafka: fetch: %w", err)
		}

		if qos == core.AtMostOnce {
			b.commit(ctx, r, raw)
			_ = handler(ctx, fromKafka(raw, qos))
			continue
		}
		if err := handler(ctx, fromKafka(raw, qos)); err != nil {
			// Offset is NOT committed; the message is redelivered after a
			// rebalance or restart.
			continue
		}
		b.commit(ctx, r, raw)
	}
}

func (b *Broker) commit(ctx context.Context, r *kafka.Reader, m kafka.Message) {
	if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		b.logger.Warn("commit offset failed", "topic", m.Topic, "offset", m.Offset, "error", err)
	}
}

// Close flushes the writer and closes all readers.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if err := b.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("mqttrigger/kafka: close writer: %w", err))
	}
	for _, r := range b.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mqttrigger/kafka: close reader: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ParseBrokers splits a manifest address such as
// "kafka://k1:9092,k2:9092" into broker host:port pairs.
func ParseBrokers(address string) []string {
	if _, rest, ok := strings.Cut(address, "://"); ok {
		address = rest
	}
	var out []string
	for _, part := range strings.Split(address, ",") {
		if part = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(part), "/")); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isConnErr(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) || errors.Is(err, kafka.BrokerNotAvailable) || errors.Is(err, kafka.NetworkException)
}

// errAsyncWrites rejects the writer's async mode: Publish must report
// whether the broker accepted the message.
var errAsyncWrites = errors.New("mqttrigger/kafka: async writes cannot report broker acceptance")

// optsFromConfig extracts options from broker.Config.
func optsFromConfig(cfg broker.Config) ([]Option, error) {
	if v, ok := cfg.Extra["async"].(bool); ok && v {
		return nil, errAsyncWrites
	}
	var opts []Option
	if cfg.ClientID != "" {
		opts = append(opts, WithGroup(cfg.ClientID))
	}
	if v, ok := cfg.Extra["batch_size"].(int); ok {
		opts = append(opts, WithBatchSize(v))
	}
	if v, ok := cfg.Extra["max_bytes"].(int); ok {
		opts = append(opts, WithMaxBytes(v))
	}
	if v, ok := cfg.Extra["start"].(string); ok && v == "earliest" {
		opts = append(opts, WithStartOffset(kafka.FirstOffset))
	}
	return opts, nil
}
