// Package mqtt implements core.Broker on an MQTT 3.1.1 broker using the
// Eclipse Paho client. It registers itself as broker type "mqtt".
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/miladsoleymani/mqttrigger/broker"
	"github.com/miladsoleymani/mqttrigger/core"
	"github.com/miladsoleymani/mqttrigger/internal/log"
)

func init() {
	broker.Register("mqtt", func(cfg broker.Config) (core.Broker, error) {
		if cfg.Address == "" {
			return nil, fmt.Errorf("mqttrigger/mqtt: broker address is required")
		}
		return New(cfg.Address, optsFromConfig(cfg)...)
	})
}

// Broker implements core.Broker for MQTT.
//
// Design decisions:
//   - One client connection per Broker, shared by every listener.
//   - Paho keeps a single route per filter, so bindings that share a filter
//     share one MQTT subscription and the route fans out to each of them.
//   - The shared subscription uses the highest QoS requested for the filter.
//   - Each binding has its own unbounded FIFO drained by its Subscribe call,
//     which keeps handling sequential per binding. The route callback only
//     appends, so a slow binding never stalls the client's router.
//   - A SUBACK failure code is a refused subscription and ends Subscribe.
//   - Filters are re-subscribed after the client reconnects.
type Broker struct {
	client  paho.Client
	address string
	opts    options
	logger  *slog.Logger

	mu      sync.Mutex
	closed  bool
	filters map[string]*filter
}

type filter struct {
	qos  core.QoS
	subs map[*subscription]struct{}
}

// subscription is one binding's delivery queue.
type subscription struct {
	mu      sync.Mutex
	queue   []core.Message
	ready   chan struct{}
	warned  bool
	warnLen int
}

func newSubscription(warnLen int) *subscription {
	return &subscription{
		ready:   make(chan struct{}, 1),
		warnLen: warnLen,
	}
}

// push appends msg and reports the backlog length the first time it
// reaches the warning threshold, 0 otherwise.
func (s *subscription) push(msg core.Message) int {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	n := len(s.queue)
	warn := 0
	if n >= s.warnLen && !s.warned {
		s.warned = true
		warn = n
	} else if n < s.warnLen/2 {
		s.warned = false
	}
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return warn
}

func (s *subscription) pop() (core.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return core.Message{}, false
	}
	msg := s.queue[0]
	s.queue[0] = core.Message{}
	s.queue = s.queue[1:]
	return msg, true
}

// ErrSubscriptionRefused is returned when the broker answers a SUBSCRIBE
// with a failure return code.
var ErrSubscriptionRefused = errors.New("mqttrigger/mqtt: subscription refused by broker")

// subackFailure is the SUBACK return code for a refused filter.
const subackFailure = 0x80

// New connects to the MQTT broker at address. Accepted forms are
// mqtt://host:port, mqtts://host:port, tcp://, ssl://, ws://, wss:// and a
// bare host:port.
func New(address string, fns ...Option) (*Broker, error) {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	if opts.clientID == "" {
		opts.clientID = "mqttrigger-" + uuid.NewString()[:8]
	}
	if opts.logger == nil {
		opts.logger = log.WithComponent("mqtt")
	}

	url := NormalizeAddress(address)
	b := &Broker{
		address: url,
		opts:    opts,
		logger:  opts.logger,
		filters: make(map[string]*filter),
	}

	co := paho.NewClientOptions().
		AddBroker(url).
		SetClientID(opts.clientID).
		SetKeepAlive(opts.keepAlive).
		SetConnectTimeout(opts.connectTimeout).
		SetCleanSession(opts.cleanSession).
		SetOrderMatters(true).
		SetOnConnectHandler(func(paho.Client) { b.resubscribe() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			b.logger.Warn("connection lost", "address", url, "error", err)
		})
	if opts.username != "" {
		co.SetUsername(opts.username)
		co.SetPassword(opts.password)
	}

	b.client = paho.NewClient(co)
	tok := b.client.Connect()
	if !tok.WaitTimeout(opts.connectTimeout) {
		b.client.Disconnect(0)
		return nil, &core.ConnectionError{Op: "connect", Address: url, Err: errors.New("timed out")}
	}
	if err := tok.Error(); err != nil {
		return nil, &core.ConnectionError{Op: "connect", Address: url, Err: err}
	}
	b.logger.Info("connected", "address", url, "client_id", opts.clientID)
	return b, nil
}

// newWithClient wraps an already connected client.
func newWithClient(client paho.Client, address string, fns ...Option) *Broker {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	if opts.logger == nil {
		opts.logger = log.WithComponent("mqtt")
	}
	return &Broker{
		client:  client,
		address: address,
		opts:    opts,
		logger:  opts.logger,
		filters: make(map[string]*filter),
	}
}

// Publish sends payload to topic at the given QoS and waits for the
// broker's acknowledgement when qos > 0.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte, qos core.QoS) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return core.ErrBrokerClosed
	}
	if !b.client.IsConnectionOpen() {
		return &core.ConnectionError{Op: "publish", Address: b.address, Err: paho.ErrNotConnected}
	}

	err := wait(ctx, b.client.Publish(topic, byte(qos), false, payload))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, paho.ErrNotConnected):
		return &core.ConnectionError{Op: "publish", Address: b.address, Err: err}
	default:
		return &core.PublishError{Topic: topic, Err: err}
	}
}

// Subscribe subscribes to topic and calls handler for each message, one at
// a time, until ctx is cancelled.
func (b *Broker) Subscribe(ctx context.Context, topic string, qos core.QoS, handler core.Handler) error {
	s := newSubscription(b.opts.backlogWarn)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return core.ErrBrokerClosed
	}
	f, ok := b.filters[topic]
	if !ok {
		f = &filter{qos: qos, subs: make(map[*subscription]struct{})}
		b.filters[topic] = f
	}
	upgrade := !ok || qos > f.qos
	if qos > f.qos {
		f.qos = qos
	}
	f.subs[s] = struct{}{}
	b.mu.Unlock()

	defer b.unsubscribe(topic, s)

	if upgrade {
		tok := b.client.Subscribe(topic, byte(qos), b.route(topic))
		err := wait(ctx, tok)
		if err == nil {
			err = refused(tok, topic)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, paho.ErrNotConnected) {
				return &core.ConnectionError{Op: "subscribe", Address: b.address, Err: err}
			}
			return fmt.Errorf("mqttrigger/mqtt: subscribe %q: %w", topic, err)
		}
		b.logger.Debug("subscribed", "topic", topic, "qos", qos)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if msg, ok := s.pop(); ok {
			_ = handler(ctx, msg)
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.ready:
		}
	}
}

// refused checks the SUBACK return code for topic. paho reports refusals
// only through the token's result map, never through Error().
func refused(tok paho.Token, topic string) error {
	st, ok := tok.(interface{ Result() map[string]byte })
	if !ok {
		return nil
	}
	if code, found := st.Result()[topic]; found && code == subackFailure {
		return ErrSubscriptionRefused
	}
	return nil
}

// route returns the paho callback for filter. It runs on the client's
// router goroutine and hands each message to every binding on the filter.
func (b *Broker) route(topic string) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		b.mu.Lock()
		f, ok := b.filters[topic]
		var subs []*subscription
		if ok {
			subs = make([]*subscription, 0, len(f.subs))
			for s := range f.subs {
				subs = append(subs, s)
			}
		}
		b.mu.Unlock()

		for _, s := range subs {
			msg := core.Message{
				Topic:   m.Topic(),
				Payload: append([]byte(nil), m.Payload()...),
				QoS:     core.QoS(m.Qos()),
			}
			if n := s.push(msg); n > 0 {
				b.logger.Warn("binding backlog growing", "topic", topic, "queued", n)
			}
		}
	}
}

func (b *Broker) unsubscribe(topic string, s *subscription) {
	b.mu.Lock()
	f, ok := b.filters[topic]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(f.subs, s)
	last := len(f.subs) == 0
	if last {
		delete(b.filters, topic)
	}
	closed := b.closed
	b.mu.Unlock()

	if last && !closed && b.client.IsConnectionOpen() {
		if tok := b.client.Unsubscribe(topic); !tok.WaitTimeout(b.opts.connectTimeout) || tok.Error() != nil {
			b.logger.Warn("unsubscribe failed", "topic", topic, "error", tok.Error())
		}
	}
}

// resubscribe restores every active filter after a reconnect.
func (b *Broker) resubscribe() {
	b.mu.Lock()
	active := make(map[string]core.QoS, len(b.filters))
	for topic, f := range b.filters {
		active[topic] = f.qos
	}
	b.mu.Unlock()

	for topic, qos := range active {
		tok := b.client.Subscribe(topic, byte(qos), b.route(topic))
		if !tok.WaitTimeout(b.opts.connectTimeout) {
			b.logger.Error("resubscribe timed out", "topic", topic)
			continue
		}
		err := tok.Error()
		if err == nil {
			err = refused(tok, topic)
		}
		if err != nil {
			b.logger.Error("resubscribe failed", "topic", topic, "error", err)
			continue
		}
		b.logger.Info("resubscribed", "topic", topic, "qos", qos)
	}
}

// Close disconnects from the broker.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.client.Disconnect(250)
	return nil
}

// NormalizeAddress turns a manifest address into a URL paho accepts.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	scheme, rest, ok := strings.Cut(address, "://")
	if !ok {
		return "tcp://" + address
	}
	switch strings.ToLower(scheme) {
	case "mqtt":
		return "tcp://" + rest
	case "mqtts":
		return "ssl://" + rest
	default:
		return address
	}
}

func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// optsFromConfig extracts options from broker.Config.
func optsFromConfig(cfg broker.Config) []Option {
	opts := []Option{WithConnectTimeout(cfg.Timeout())}
	if cfg.ClientID != "" {
		opts = append(opts, WithClientID(cfg.ClientID))
	}
	if u := cfg.String("username"); u != "" {
		opts = append(opts, WithCredentials(u, cfg.String("password")))
	}
	if v, ok := cfg.Extra["backlog_warning"].(int); ok {
		opts = append(opts, WithBacklogWarning(v))
	}
	return opts
}
