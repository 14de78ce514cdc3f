// Package tcp carries frames over plain TCP connections.
//
// Reads are handed to the receiver as they arrive, in pieces of at most
// the configured read buffer size, so frames are reassembled by the
// framing decoder rather than by this package.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultReadBufferSize is the size of each read from the socket
const DefaultReadBufferSize = 4096

var (
	// ErrClosed is returned when using a closed connection or listener
	ErrClosed = errors.New("tcp: closed")
)

type config struct {
	readBufferSize int
	noDelay        bool
	writeTimeout   time.Duration
	logger         *slog.Logger
}

// Option configures connections and listeners
type Option func(*config)

// WithReadBufferSize sets the size of each socket read
func WithReadBufferSize(n int) Option {
	return func(c *config) {
		c.readBufferSize = n
	}
}

// WithNoDelay sets TCP_NODELAY on connections
func WithNoDelay(noDelay bool) Option {
	return func(c *config) {
		c.noDelay = noDelay
	}
}

// WithWriteTimeout bounds each Send when the context carries no deadline
func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) {
		c.writeTimeout = d
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
		readBufferSize: DefaultReadBufferSize,
		noDelay:        true,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.readBufferSize <= 0 {
		cfg.readBufferSize = DefaultReadBufferSize
	}
	return cfg
}

// Conn is a frame transport over one TCP connection
type Conn struct {
	conn   net.Conn
	cfg    *config
	mu     sync.Mutex
	closed atomic.Bool
}

// Dial connects to addr
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return NewConn(conn, opts...), nil
}

// NewConn wraps an established connection
func NewConn(conn net.Conn, opts ...Option) *Conn {
	cfg := newConfig(opts)
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(cfg.noDelay); err != nil {
			cfg.logger.Warn("failed to set TCP_NODELAY", "error", err)
		}
	}
	return &Conn{conn: conn, cfg: cfg}
}

// Send writes frame. Concurrent sends are serialized so frames never
// interleave on the wire.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok && c.cfg.writeTimeout > 0 {
		deadline = time.Now().Add(c.cfg.writeTimeout)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Receive reads until the peer closes the connection, Close is called or
// ctx is done. An orderly close by either side returns nil.
func (c *Conn) Receive(ctx context.Context, handle func(chunk []byte)) error {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, c.cfg.readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			handle(buf[:n])
		}
		if err == nil {
			continue
		}

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, io.EOF), c.closed.Load():
			c.cfg.logger.Debug("connection closed", "remote", c.RemoteAddr())
			c.closed.Store(true)
			return nil
		default:
			return fmt.Errorf("failed to read: %w", err)
		}
	}
}

// Close closes the connection
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// IsConnected reports whether the connection is still open
func (c *Conn) IsConnected() bool {
	return !c.closed.Load()
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Listener accepts TCP connections as transports
type Listener struct {
	listener net.Listener
	opts     []Option
	closed   atomic.Bool
}

// Listen starts listening on addr, e.g. ":7000" or "127.0.0.1:0"
func Listen(addr string, opts ...Option) (*Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Listener{listener: l, opts: opts}, nil
}

// Accept waits for the next connection
func (l *Listener) Accept() (*Conn, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		if l.closed.Load() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("failed to accept: %w", err)
	}
	return NewConn(conn, l.opts...), nil
}

// Addr returns the listening address
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops listening
func (l *Listener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.listener.Close()
}
