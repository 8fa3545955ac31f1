package rabbitmq

import (
	"log/slog"
	"time"
)

// Option configures the RabbitMQ broker.
type Option func(*options)

type options struct {
	name           string
	connectTimeout time.Duration
	logger         *slog.Logger

	// Exchange settings. amq.topic is predeclared by the server; any other
	// exchange is declared on connect.
	exchange     string
	exchangeType string

	// Consumer settings
	prefetchCount int
	requeueOnNack bool
}

func defaults() options {
	return options{
		connectTimeout: 10 * time.Second,
		exchange:       "amq.topic",
		exchangeType:   "topic",
		prefetchCount:  10,
		requeueOnNack:  false,
	}
}

// WithName sets the connection name shown in the management UI.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithConnectTimeout bounds the initial dial.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithLogger sets the broker logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithExchange sets the exchange name and type.
func WithExchange(name, kind string) Option {
	return func(o *options) {
		o.exchange = name
		o.exchangeType = kind
	}
}

// WithPrefetchCount sets how many messages are delivered before requiring ack.
func WithPrefetchCount(n int) Option {
	return func(o *options) { o.prefetchCount = n }
}

// WithRequeueOnNack controls whether nacked messages are requeued.
func WithRequeueOnNack(requeue bool) Option {
	return func(o *options) { o.requeueOnNack = requeue }
}
