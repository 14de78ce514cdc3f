package rabbitmq

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Listener consumes a request queue and demultiplexes it into one Peer
// per client reply queue
type Listener struct {
	endpoint *endpoint
	cfg      *config

	mu     sync.Mutex
	peers  map[string]*Peer
	accept chan *Peer

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts consuming queue
func Listen(ctx context.Context, source ChannelSource, queue string, opts ...Option) (*Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := newConfig(opts)
	e := newEndpoint(source, queue, false, cfg.logger)
	deliveries, err := e.open()
	if err != nil {
		e.close()
		return nil, err
	}

	l := &Listener{
		endpoint: e,
		cfg:      cfg,
		peers:    make(map[string]*Peer),
		accept:   make(chan *Peer, 16),
		done:     make(chan struct{}),
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := e.consume(context.Background(), l.done, deliveries, l.route); err != nil {
			cfg.logger.Error("request consumer stopped", "queue", queue, "error", err)
		}
	}()

	if cfg.idleTimeout > 0 {
		l.wg.Add(1)
		go l.reapRoutine(cfg.clock.NewTicker(cfg.idleTimeout / 2))
	}

	cfg.logger.Info("rabbitmq listener started", "queue", queue)
	return l, nil
}

// route hands d to the peer for its reply queue, creating the peer on
// first contact
func (l *Listener) route(d amqp.Delivery) {
	l.mu.Lock()
	peer, exists := l.peers[d.ReplyTo]
	if !exists {
		peer = &Peer{
			listener:   l,
			replyQueue: d.ReplyTo,
			in:         make(chan []byte, l.cfg.bufferSize),
			done:       make(chan struct{}),
		}
		l.peers[d.ReplyTo] = peer
	}
	peer.touch()
	l.mu.Unlock()

	if !exists {
		select {
		case l.accept <- peer:
		case <-l.done:
			return
		}
	}

	select {
	case peer.in <- d.Body:
	case <-peer.done:
	case <-l.done:
	default:
		// The caller times out instead of every client waiting on this one
		l.cfg.logger.Warn("peer backlog full, dropping message",
			"replyQueue", peer.replyQueue,
			"buffered", len(peer.in))
	}
}

// Reap closes the peers idle for longer than the idle timeout and returns
// how many were closed. A closed peer's Receive returns, so whoever serves
// it moves on; a later message from the same client starts a new peer.
func (l *Listener) Reap() int {
	if l.cfg.idleTimeout <= 0 {
		return 0
	}
	cutoff := l.cfg.clock.Now().Add(-l.cfg.idleTimeout).UnixNano()

	l.mu.Lock()
	var idle []*Peer
	for replyQueue, peer := range l.peers {
		if peer.lastActive.Load() < cutoff {
			delete(l.peers, replyQueue)
			idle = append(idle, peer)
		}
	}
	l.mu.Unlock()

	for _, peer := range idle {
		peer.shutdown()
		l.cfg.logger.Debug("closed idle peer", "replyQueue", peer.replyQueue)
	}
	return len(idle)
}

// Peers returns the number of open peers
func (l *Listener) Peers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

func (l *Listener) reapRoutine(ticker clockwork.Ticker) {
	defer l.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			l.Reap()
		case <-l.done:
			return
		}
	}
}

// Accept waits for the next client
func (l *Listener) Accept(ctx context.Context) (*Peer, error) {
	select {
	case peer := <-l.accept:
		return peer, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Queue returns the consumed request queue
func (l *Listener) Queue() string {
	return l.endpoint.queue
}

// Close stops consuming and closes every peer
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.endpoint.close()
		l.wg.Wait()

		l.mu.Lock()
		peers := l.peers
		l.peers = make(map[string]*Peer)
		l.mu.Unlock()
		for _, peer := range peers {
			peer.shutdown()
		}
	})
	return err
}

func (l *Listener) forget(p *Peer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.peers[p.replyQueue] == p {
		delete(l.peers, p.replyQueue)
	}
}

// Peer is the server side of one client
type Peer struct {
	listener   *Listener
	replyQueue string
	in         chan []byte

	lastActive atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

func (p *Peer) touch() {
	p.lastActive.Store(p.listener.cfg.clock.Now().UnixNano())
}

// Send publishes frame to the client's reply queue
func (p *Peer) Send(ctx context.Context, frame []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if p.replyQueue == "" {
		return ErrNoReplyQueue
	}
	p.touch()
	return p.listener.endpoint.publish(ctx, p.replyQueue, "", frame)
}

// Receive yields the pieces sent by this client
func (p *Peer) Receive(ctx context.Context, handle func(chunk []byte)) error {
	for {
		select {
		case chunk := <-p.in:
			handle(chunk)
		case <-p.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close detaches the peer. A later message from the same client starts a
// new peer.
func (p *Peer) Close() error {
	if p.shutdown() {
		p.listener.forget(p)
	}
	return nil
}

func (p *Peer) shutdown() bool {
	first := false
	p.closeOnce.Do(func() {
		first = true
		p.closed.Store(true)
		close(p.done)
	})
	return first
}

// IsConnected reports whether the peer is open
func (p *Peer) IsConnected() bool {
	return !p.closed.Load()
}

// ReplyQueue returns the client's reply queue
func (p *Peer) ReplyQueue() string {
	return p.replyQueue
}
