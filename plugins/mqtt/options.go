package mqtt

import (
	"log/slog"
	"time"
)

// Option configures the MQTT broker.
type Option func(*options)

type options struct {
	clientID       string
	username       string
	password       string
	keepAlive      time.Duration
	connectTimeout time.Duration
	cleanSession   bool

	// Backlog length at which a subscription logs a warning.
	backlogWarn int

	logger *slog.Logger
}

func defaults() options {
	return options{
		keepAlive:      30 * time.Second,
		connectTimeout: 10 * time.Second,
		cleanSession:   true,
		backlogWarn:    1024,
	}
}

// WithClientID sets the MQTT client identifier. A random one is generated
// when unset.
func WithClientID(id string) Option {
	return func(o *options) { o.clientID = id }
}

// WithCredentials sets the username and password sent on CONNECT.
func WithCredentials(username, password string) Option {
	return func(o *options) {
		o.username = username
		o.password = password
	}
}

// WithKeepAlive sets the keep-alive interval.
func WithKeepAlive(d time.Duration) Option {
	return func(o *options) { o.keepAlive = d }
}

// WithConnectTimeout bounds the initial connection attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithCleanSession controls whether the broker discards session state on
// connect.
func WithCleanSession(clean bool) Option {
	return func(o *options) { o.cleanSession = clean }
}

// WithBacklogWarning sets how many messages may queue for one binding
// while its handler is busy before a warning is logged. Queues are never
// bounded: the client's router must not block on a slow binding.
func WithBacklogWarning(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.backlogWarn = n
		}
	}
}

// WithLogger sets the broker logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}
