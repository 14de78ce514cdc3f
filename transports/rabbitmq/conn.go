package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Conn is the client side: frames go to the request queue, replies come
// back on a private queue
type Conn struct {
	endpoint     *endpoint
	requestQueue string
	deliveries   <-chan amqp.Delivery

	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

// Dial opens a client transport that sends to requestQueue
func Dial(ctx context.Context, source ChannelSource, requestQueue string, opts ...Option) (*Conn, error) {
	if requestQueue == "" {
		return nil, fmt.Errorf("request queue cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := newConfig(opts)
	replyQueue := cfg.replyQueue
	if replyQueue == "" {
		replyQueue = "sacmq.reply." + uuid.NewString()[:8]
	}

	e := newEndpoint(source, replyQueue, true, cfg.logger)
	deliveries, err := e.open()
	if err != nil {
		e.close()
		return nil, err
	}

	cfg.logger.Debug("rabbitmq client connected",
		"requestQueue", requestQueue,
		"replyQueue", replyQueue)

	return &Conn{
		endpoint:     e,
		requestQueue: requestQueue,
		deliveries:   deliveries,
		done:         make(chan struct{}),
	}, nil
}

// Send publishes frame to the request queue
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.endpoint.publish(ctx, c.requestQueue, c.endpoint.queue, frame)
}

// Receive consumes the reply queue until Close or ctx is done
func (c *Conn) Receive(ctx context.Context, handle func(chunk []byte)) error {
	return c.endpoint.consume(ctx, c.done, c.deliveries, func(d amqp.Delivery) {
		handle(d.Body)
	})
}

// Close cancels the consumer and closes the channel
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.endpoint.close()
	})
	return err
}

// IsConnected reports whether frames can currently be sent
func (c *Conn) IsConnected() bool {
	if c.closed.Load() {
		return false
	}
	c.endpoint.mu.Lock()
	defer c.endpoint.mu.Unlock()
	return c.endpoint.ch != nil
}

// ReplyQueue returns the name of the private reply queue
func (c *Conn) ReplyQueue() string {
	return c.endpoint.queue
}
