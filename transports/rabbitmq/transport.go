// Package rabbitmq carries frames over RabbitMQ queues.
//
// A client Conn publishes frames to a shared request queue and consumes
// its own exclusive reply queue. A Listener consumes the request queue
// and hands out one Peer per reply queue, so a dispatcher can serve each
// client exactly like a stream connection. Every AMQP message body is one
// stream piece; the framing decoder reassembles frames on top.
//
// Both sides survive broker reconnects when the channel source is a
// *rabbitmq.ConnectionManager: channels, queues and consumers are
// re-declared once the connection is back.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sacmq/sacmq-go/internal/rabbitmq"
)

const contentType = "application/octet-stream"

var (
	// ErrClosed is returned when using a closed connection, peer or listener
	ErrClosed = errors.New("rabbitmq transport: closed")

	// ErrNotConnected is returned while the broker connection is being re-established
	ErrNotConnected = errors.New("rabbitmq transport: not connected")

	// ErrNoReplyQueue is returned when replying to a peer that sent no reply-to
	ErrNoReplyQueue = errors.New("rabbitmq transport: peer has no reply queue")
)

// ChannelSource opens AMQP channels. *rabbitmq.ConnectionManager implements it.
type ChannelSource interface {
	Channel() (rabbitmq.Channel, error)
}

// stateNotifier is implemented by sources that report reconnects
type stateNotifier interface {
	AddStateListener(listener rabbitmq.ConnectionStateListener)
	RemoveStateListener(listener rabbitmq.ConnectionStateListener)
}

// Connect dials url and returns a connection manager usable as a ChannelSource
func Connect(ctx context.Context, url string, opts ...rabbitmq.ConnectionOption) (*rabbitmq.ConnectionManager, error) {
	manager := rabbitmq.NewConnectionManager(url, opts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return manager, nil
}

// DefaultPeerIdleTimeout is how long a Listener keeps a silent Peer
const DefaultPeerIdleTimeout = 2 * time.Minute

type config struct {
	logger      *slog.Logger
	clock       clockwork.Clock
	replyQueue  string
	bufferSize  int
	idleTimeout time.Duration
}

// Option configures connections and listeners
type Option func(*config)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithReplyQueue names the client reply queue instead of generating one
func WithReplyQueue(name string) Option {
	return func(c *config) {
		c.replyQueue = name
	}
}

// WithPeerBuffer sets how many pieces a Peer buffers. Pieces arriving for
// a full peer are dropped so one slow client cannot stall the others.
func WithPeerBuffer(n int) Option {
	return func(c *config) {
		c.bufferSize = n
	}
}

// WithPeerIdleTimeout closes peers that neither sent nor received anything
// for d. Clients use a fresh reply queue per connection, so without it a
// long running listener keeps every peer it ever saw. Zero disables it.
func WithPeerIdleTimeout(d time.Duration) Option {
	return func(c *config) {
		c.idleTimeout = d
	}
}

// WithClock sets the clock used for peer idle tracking
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) {
		c.clock = clock
	}
}

func newConfig(opts []Option) *config {
	cfg := &config{
		logger:      slog.Default(),
		clock:       clockwork.NewRealClock(),
		bufferSize:  64,
		idleTimeout: DefaultPeerIdleTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// endpoint owns the channel and consumer of one queue and rebuilds them
// after a reconnect
type endpoint struct {
	source      ChannelSource
	queue       string
	exclusive   bool
	consumerTag string
	logger      *slog.Logger

	mu          sync.Mutex
	ch          rabbitmq.Channel
	reconnected chan struct{}
}

func newEndpoint(source ChannelSource, queue string, exclusive bool, logger *slog.Logger) *endpoint {
	e := &endpoint{
		source:      source,
		queue:       queue,
		exclusive:   exclusive,
		consumerTag: "sacmq-" + uuid.NewString()[:8],
		logger:      logger,
		reconnected: make(chan struct{}, 1),
	}
	if n, ok := source.(stateNotifier); ok {
		n.AddStateListener(e)
	}
	return e
}

// open declares the queue and starts consuming it on a fresh channel
func (e *endpoint) open() (<-chan amqp.Delivery, error) {
	ch, err := e.source.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Exclusive reply queues go away with their connection; the shared
	// request queue outlives its consumers
	if _, err := ch.QueueDeclare(e.queue, false, e.exclusive, e.exclusive, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", e.queue, err)
	}

	deliveries, err := ch.Consume(e.queue, e.consumerTag, true, e.exclusive, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume queue %s: %w", e.queue, err)
	}

	e.mu.Lock()
	old := e.ch
	e.ch = ch
	e.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return deliveries, nil
}

func (e *endpoint) publish(ctx context.Context, routingKey, replyTo string, body []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ch == nil {
		return ErrNotConnected
	}
	err := e.ch.PublishWithContext(ctx, "", routingKey, false, false, amqp.Publishing{
		ContentType: contentType,
		ReplyTo:     replyTo,
		Timestamp:   time.Now(),
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", routingKey, err)
	}
	return nil
}

// consume calls handle for every delivery until ctx or done ends it. When
// the broker connection drops it waits for the reconnect and reopens.
func (e *endpoint) consume(ctx context.Context, done <-chan struct{}, deliveries <-chan amqp.Delivery, handle func(amqp.Delivery)) error {
	for {
		select {
		case d, ok := <-deliveries:
			if ok {
				handle(d)
				continue
			}

			select {
			case <-done:
				return nil
			default:
			}

			e.mu.Lock()
			e.ch = nil
			e.mu.Unlock()
			e.logger.Warn("delivery channel closed, waiting for reconnect", "queue", e.queue)

			next, err := e.reopen(ctx, done)
			if err != nil || next == nil {
				return err
			}
			deliveries = next

		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *endpoint) reopen(ctx context.Context, done <-chan struct{}) (<-chan amqp.Delivery, error) {
	if _, ok := e.source.(stateNotifier); !ok {
		return nil, fmt.Errorf("consumer for %s stopped: %w", e.queue, ErrNotConnected)
	}

	for {
		select {
		case <-e.reconnected:
		case <-done:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		deliveries, err := e.open()
		if err == nil {
			e.logger.Info("consumer re-established", "queue", e.queue)
			return deliveries, nil
		}
		e.logger.Error("failed to re-establish consumer", "queue", e.queue, "error", err)
	}
}

func (e *endpoint) close() error {
	if n, ok := e.source.(stateNotifier); ok {
		n.RemoveStateListener(e)
	}

	e.mu.Lock()
	ch := e.ch
	e.ch = nil
	e.mu.Unlock()

	if ch != nil {
		return ch.Close()
	}
	return nil
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (e *endpoint) OnConnected() {
	select {
	case e.reconnected <- struct{}{}:
	default:
	}
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (e *endpoint) OnDisconnected(err error) {
	e.logger.Warn("broker connection lost", "queue", e.queue, "error", err)
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (e *endpoint) OnReconnecting(attempt int) {
	e.logger.Debug("waiting for broker", "queue", e.queue, "attempt", attempt)
}
