package invoke

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sacmq/sacmq-go/contracts"
)

// Stats contains coordinator counters
type Stats struct {
	Registered         int64
	Responded          int64
	TimedOut           int64
	Reclaimed          int64
	LateDeliveries     int64
	DuplicateDelivered int64
	Pending            int64
	Retained           int
}

// Coordinator tracks outstanding requests by sequence id and hands each
// caller the response delivered for it
type Coordinator struct {
	clock           clockwork.Clock
	logger          *slog.Logger
	retention       time.Duration
	reclaimTimeouts bool

	calls   *table
	pending atomic.Int64

	registered atomic.Int64
	responded  atomic.Int64
	timedOut   atomic.Int64
	reclaimed  atomic.Int64
	late       atomic.Int64
	duplicates atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewCoordinator creates a coordinator and starts its background sweep
func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	cfg := &coordinatorConfig{
		clock:           clockwork.NewRealClock(),
		logger:          slog.Default(),
		sweepInterval:   DefaultSweepInterval,
		retention:       DefaultResponseRetention,
		reclaimTimeouts: true,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	c := &Coordinator{
		clock:           cfg.clock,
		logger:          cfg.logger,
		retention:       cfg.retention,
		reclaimTimeouts: cfg.reclaimTimeouts,
		calls:           newTable(),
		done:            make(chan struct{}),
	}

	if cfg.sweepInterval > 0 {
		// Ticker is created before returning so a fake clock sees it immediately
		ticker := c.clock.NewTicker(cfg.sweepInterval)
		c.wg.Add(1)
		go c.sweepRoutine(ticker)
	}

	return c
}

// Register records sequenceID as pending until now+timeout. Registering an
// id that is already known is ignored; the first registration wins.
func (c *Coordinator) Register(sequenceID uint64, timeout time.Duration) {
	expiresAt := c.clock.Now().Add(timeout)

	s := c.calls.shard(sequenceID)
	s.mu.Lock()
	entry, exists := s.calls[sequenceID]
	switch {
	case !exists:
		entry = newCall()
		s.calls[sequenceID] = entry
	case entry.pending || entry.resolved():
		s.mu.Unlock()
		c.logger.Debug("duplicate registration ignored", "sequenceId", sequenceID)
		return
	}
	// A caller may already be waiting on a placeholder for this id
	entry.pending = true
	entry.expiresAt = expiresAt
	c.pending.Add(1)
	s.mu.Unlock()

	c.registered.Add(1)
	c.logger.Debug("request registered",
		"sequenceId", sequenceID,
		"timeout", timeout)
}

// DeliverResponse stores response for sequenceID and wakes its waiters.
// Deliveries for ids that are not pending are dropped. A delivery after the
// deadline stores a timeout response instead.
func (c *Coordinator) DeliverResponse(sequenceID uint64, response *contracts.RPCMessage) {
	if response == nil {
		c.logger.Warn("nil response ignored", "sequenceId", sequenceID)
		return
	}

	s := c.calls.shard(sequenceID)
	s.mu.Lock()
	entry, exists := s.calls[sequenceID]
	if !exists || !entry.pending {
		duplicate := exists && entry.resolved()
		s.mu.Unlock()

		if duplicate {
			c.duplicates.Add(1)
			c.logger.Debug("duplicate response discarded", "sequenceId", sequenceID)
		} else {
			c.late.Add(1)
			c.logger.Debug("response without pending request discarded", "sequenceId", sequenceID)
		}
		return
	}

	// Expiry is checked under the shard lock so the sweep cannot act on the
	// same entry in between
	now := c.clock.Now()
	lateBy := now.Sub(entry.expiresAt)
	expired := lateBy > 0
	if expired {
		response = contracts.Timeout(sequenceID)
	}
	entry.resolve(response, now)
	c.pending.Add(-1)
	s.mu.Unlock()

	if expired {
		c.timedOut.Add(1)
		c.logger.Debug("response arrived after deadline",
			"sequenceId", sequenceID,
			"lateBy", lateBy)
		return
	}
	c.responded.Add(1)
	c.logger.Debug("response delivered",
		"sequenceId", sequenceID,
		"code", response.Code)
}

// AwaitResponse returns the response for sequenceID, blocking until one is
// delivered. It does not enforce the request timeout itself; the wait ends
// early only when ctx is done or the coordinator is closed, in which case the
// error wraps ErrInterrupted.
func (c *Coordinator) AwaitResponse(ctx context.Context, sequenceID uint64) (*contracts.RPCMessage, error) {
	s := c.calls.shard(sequenceID)
	s.mu.Lock()
	entry, exists := s.calls[sequenceID]
	if exists && entry.resolved() {
		s.mu.Unlock()
		return entry.response, nil
	}
	if !exists {
		// Placeholder so a later Register and delivery reach this waiter
		entry = newCall()
		s.calls[sequenceID] = entry
	}
	entry.waiters++
	s.mu.Unlock()

	var cause error
	select {
	case <-entry.done:
	case <-ctx.Done():
		cause = ctx.Err()
	case <-c.done:
		cause = ErrClosed
	}

	s.mu.Lock()
	entry.waiters--
	// The response may have landed while we were being interrupted
	if entry.resolved() {
		s.mu.Unlock()
		return entry.response, nil
	}
	if !entry.pending && entry.waiters == 0 && s.calls[sequenceID] == entry {
		delete(s.calls, sequenceID)
	}
	s.mu.Unlock()

	return nil, fmt.Errorf("%w: sequence %d: %w", ErrInterrupted, sequenceID, cause)
}

// HasPendingRequests reports whether any registered request is unresolved
func (c *Coordinator) HasPendingRequests() bool {
	return c.pending.Load() > 0
}

// Release forgets the delivered response for sequenceID. Pending requests
// and ids with active waiters are left alone.
func (c *Coordinator) Release(sequenceID uint64) {
	s := c.calls.shard(sequenceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.calls[sequenceID]
	if exists && entry.resolved() && entry.waiters == 0 {
		delete(s.calls, sequenceID)
	}
}

// Forget drops a pending registration without resolving it, for requests
// that never made it onto the wire
func (c *Coordinator) Forget(sequenceID uint64) {
	s := c.calls.shard(sequenceID)
	s.mu.Lock()
	entry, exists := s.calls[sequenceID]
	if !exists || !entry.pending {
		s.mu.Unlock()
		return
	}
	entry.pending = false
	c.pending.Add(-1)
	if entry.waiters == 0 {
		delete(s.calls, sequenceID)
	}
	s.mu.Unlock()
}

// Sweep reclaims expired pending requests and drops responses older than
// the retention window. It runs periodically in the background and may also
// be called directly.
func (c *Coordinator) Sweep() int {
	now := c.clock.Now()
	reclaimed := 0

	for i := range c.calls.shards {
		s := &c.calls.shards[i]
		s.mu.Lock()
		for id, entry := range s.calls {
			switch {
			case entry.pending && now.After(entry.expiresAt):
				reclaimed++
				c.pending.Add(-1)
				if c.reclaimTimeouts {
					entry.resolve(contracts.Timeout(id), now)
					continue
				}
				entry.pending = false
				if entry.waiters == 0 {
					delete(s.calls, id)
				}
			case entry.resolved() && c.retention > 0 && entry.waiters == 0 &&
				now.Sub(entry.resolvedAt) > c.retention:
				delete(s.calls, id)
			}
		}
		s.mu.Unlock()
	}

	if reclaimed > 0 {
		c.reclaimed.Add(int64(reclaimed))
		c.logger.Debug("expired requests reclaimed", "count", reclaimed)
	}
	return reclaimed
}

// Stats returns a snapshot of the coordinator counters
func (c *Coordinator) Stats() Stats {
	retained := 0
	for i := range c.calls.shards {
		s := &c.calls.shards[i]
		s.mu.Lock()
		for _, entry := range s.calls {
			if entry.resolved() {
				retained++
			}
		}
		s.mu.Unlock()
	}

	return Stats{
		Registered:         c.registered.Load(),
		Responded:          c.responded.Load(),
		TimedOut:           c.timedOut.Load(),
		Reclaimed:          c.reclaimed.Load(),
		LateDeliveries:     c.late.Load(),
		DuplicateDelivered: c.duplicates.Load(),
		Pending:            c.pending.Load(),
		Retained:           retained,
	}
}

// Close stops the sweep and interrupts every blocked AwaitResponse
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
	return nil
}

// sweepRoutine periodically reclaims expired requests
func (c *Coordinator) sweepRoutine(ticker clockwork.Ticker) {
	defer c.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			c.Sweep()
		case <-c.done:
			return
		}
	}
}
