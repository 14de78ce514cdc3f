package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sacmq/sacmq-go/internal/reliability"
)

// Channel is the subset of *amqp.Channel used by the transport
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Connection is the subset of *amqp.Connection the manager depends on
type Connection interface {
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// DialFunc opens a connection to url
type DialFunc func(url string) (Connection, error)

// ChannelFunc opens a channel on a connection returned by the DialFunc
type ChannelFunc func(conn Connection) (Channel, error)

func amqpDial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func amqpChannel(conn Connection) (Channel, error) {
	c, ok := conn.(*amqp.Connection)
	if !ok {
		return nil, ErrConnectionNotReady
	}
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns one AMQP connection and redials it when the
// broker closes it
type ConnectionManager struct {
	url            string
	conn           Connection
	mu             sync.RWMutex
	isConnected    bool
	closed         bool
	done           chan struct{}
	wg             sync.WaitGroup
	connectTimeout time.Duration
	backoff        *reliability.ExponentialBackoff
	dial           DialFunc
	openChannel    ChannelFunc
	clock          clockwork.Clock
	logger         *slog.Logger
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the delay before the second reconnection attempt;
// later attempts back off exponentially
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff.InitialInterval = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts. A
// negative value retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff.MaxAttempts = retries
	}
}

// WithConnectTimeout bounds each dial
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithDialer replaces how connections and channels are opened
func WithDialer(dial DialFunc, openChannel ChannelFunc) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
		cm.openChannel = openChannel
	}
}

// WithClock sets the clock used between reconnection attempts
func WithClock(clock clockwork.Clock) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.clock = clock
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		done:           make(chan struct{}),
		connectTimeout: 30 * time.Second,
		backoff:        reliability.NewExponentialBackoff(5*time.Second, 5*time.Minute, 2.0, -1),
		dial:           amqpDial,
		openChannel:    amqpChannel,
		clock:          clockwork.NewRealClock(),
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection and starts watching it
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrManagerClosed
	}
	if cm.isConnected {
		cm.mu.Unlock()
		return nil
	}

	conn, err := cm.dialWithTimeout(ctx)
	if err != nil {
		cm.mu.Unlock()
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: cm.clock.Now(),
			Attempts:  1,
		}
	}

	notifyClose := cm.attach(conn)
	cm.wg.Add(1)
	cm.mu.Unlock()

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	go cm.handleReconnect(notifyClose)
	return nil
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (Channel, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	ch, err := cm.openChannel(cm.conn)
	if err != nil {
		return nil, &ConnectionError{
			Op:        "open channel",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: cm.clock.Now(),
		}
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	close(cm.done)
	cm.isConnected = false
	conn := cm.conn
	cm.conn = nil
	cm.mu.Unlock()

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}
	cm.wg.Wait()
	return err
}

// attach installs conn as the current connection. Callers hold cm.mu.
func (cm *ConnectionManager) attach(conn Connection) chan *amqp.Error {
	cm.conn = conn
	cm.isConnected = true
	return conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		resultCh <- result{conn, err}
	}()

	select {
	case r := <-resultCh:
		return r.conn, r.err
	case <-ctx.Done():
		// Close a connection that lands after we gave up on it
		go func() {
			if r := <-resultCh; r.conn != nil {
				r.conn.Close()
			}
		}()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrConnectionTimeout
		}
		return nil, ctx.Err()
	}
}

// handleReconnect waits for the connection to drop and redials it
func (cm *ConnectionManager) handleReconnect(notifyClose chan *amqp.Error) {
	defer cm.wg.Done()

	for {
		select {
		case err, ok := <-notifyClose:
			cm.mu.Lock()
			if cm.closed {
				cm.mu.Unlock()
				return
			}
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()

			var cause error
			if ok && err != nil {
				cause = err
				cm.logger.Error("connection closed", "error", err)
			}
			cm.notifyDisconnected(cause)

			next, reconnected := cm.reconnect()
			if !reconnected {
				return
			}
			notifyClose = next

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect redials with exponential backoff until it succeeds, runs out of
// attempts or the manager is closed
func (cm *ConnectionManager) reconnect() (chan *amqp.Error, bool) {
	start := cm.clock.Now()

	for attempt := 0; ; attempt++ {
		select {
		case <-cm.done:
			return nil, false
		default:
		}

		if cm.backoff.MaxAttempts >= 0 && attempt >= cm.backoff.MaxAttempts {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", attempt,
				"duration", cm.clock.Since(start))
			cm.notifyDisconnected(&ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: cm.clock.Now(),
				Attempts:  attempt,
			})
			return nil, false
		}

		if attempt > 0 {
			delay := cm.backoff.NextDelay(attempt - 1)
			select {
			case <-cm.clock.After(delay):
			case <-cm.done:
				return nil, false
			}
		}

		cm.logger.Info("attempting to reconnect", "attempt", attempt+1)
		cm.notifyReconnecting(attempt + 1)

		conn, err := cm.dialWithTimeout(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt+1)
			continue
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			conn.Close()
			return nil, false
		}
		notifyClose := cm.attach(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to RabbitMQ",
			"attempts", attempt+1,
			"duration", cm.clock.Since(start))
		cm.notifyConnected()
		return notifyClose, true
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

// Listeners are called synchronously, in registration order
func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, listener := range cm.listeners() {
		listener.OnReconnecting(attempt)
	}
}
