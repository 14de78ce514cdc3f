// Package websocket carries frames over WebSocket connections using
// gorilla/websocket. Each Send is one binary message; inbound messages are
// passed to the receiver as stream pieces, so a peer may split or join
// frames across messages freely.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrClosed is returned when using a closed connection
	ErrClosed = errors.New("websocket: closed")
)

// DefaultReadLimit bounds a single inbound message
const DefaultReadLimit = 1 << 20

type config struct {
	readLimit    int64
	closeTimeout time.Duration
	logger       *slog.Logger
}

// Option configures connections and handlers
type Option func(*config)

// WithReadLimit sets the maximum size of one inbound message
func WithReadLimit(n int64) Option {
	return func(c *config) {
		c.readLimit = n
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func newConfig(opts []Option) *config {
	cfg := &config{
		readLimit:    DefaultReadLimit,
		closeTimeout: time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Conn is a frame transport over one WebSocket connection
type Conn struct {
	conn   *websocket.Conn
	cfg    *config
	mu     sync.Mutex
	closed atomic.Bool
}

// Dial connects to a ws:// or wss:// url
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (status %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewConn(conn, opts...), nil
}

// NewConn wraps an established connection
func NewConn(conn *websocket.Conn, opts ...Option) *Conn {
	cfg := newConfig(opts)
	if cfg.readLimit > 0 {
		conn.SetReadLimit(cfg.readLimit)
	}
	return &Conn{conn: conn, cfg: cfg}
}

// Send writes frame as one binary message
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Receive reads messages until the connection closes or ctx is done. A
// normal close from either side returns nil.
func (c *Conn) Receive(ctx context.Context, handle func(chunk []byte)) error {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case c.closed.Load(),
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.cfg.logger.Debug("websocket closed", "remote", c.conn.RemoteAddr().String())
				c.closed.Store(true)
				return nil
			default:
				c.closed.Store(true)
				return fmt.Errorf("failed to read message: %w", err)
			}
		}

		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}

// Close sends a close frame and closes the connection
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.cfg.closeTimeout),
	)

	closeErr := c.conn.Close()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return closeErr
}

// IsConnected reports whether the connection is still open
func (c *Conn) IsConnected() bool {
	return !c.closed.Load()
}

// Handler upgrades HTTP requests and serves each connection with serve
type Handler struct {
	upgrader websocket.Upgrader
	serve    func(ctx context.Context, conn *Conn)
	opts     []Option
	logger   *slog.Logger
}

// NewHandler creates an http.Handler that runs serve for every accepted
// WebSocket connection. The connection is closed when serve returns.
func NewHandler(serve func(ctx context.Context, conn *Conn), opts ...Option) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		serve:  serve,
		opts:   opts,
		logger: newConfig(opts).logger,
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := NewConn(ws, h.opts...)
	defer conn.Close()

	h.serve(r.Context(), conn)
}
