package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sacmq/sacmq-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func response(sequenceID uint64, body string) *contracts.RPCMessage {
	req := contracts.NewRequest(sequenceID, "test", nil)
	return contracts.NewResponse(req, json.RawMessage(fmt.Sprintf("%q", body)))
}

func body(t *testing.T, msg *contracts.RPCMessage) string {
	t.Helper()
	var s string
	require.NoError(t, msg.DecodeBody(&s))
	return s
}

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

// newTestCoordinator creates a coordinator on a fake clock with the
// background sweep effectively disabled
func newTestCoordinator(t *testing.T, opts ...CoordinatorOption) (*Coordinator, fakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	opts = append([]CoordinatorOption{WithClock(clock), WithSweepInterval(0)}, opts...)
	c := NewCoordinator(opts...)
	t.Cleanup(func() { c.Close() })
	return c, clock
}

func TestDeliverThenAwait(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.Register(1, time.Second)
	assert.True(t, c.HasPendingRequests())

	c.DeliverResponse(1, response(1, "OK"))
	assert.False(t, c.HasPendingRequests())

	resp, err := c.AwaitResponse(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "OK", body(t, resp))
	assert.True(t, resp.IsSuccess())
}

func TestAwaitWakesOnDelivery(t *testing.T) {
	// register id=42 with 50ms, deliver after 10ms, await must return promptly
	c := NewCoordinator()
	defer c.Close()

	c.Register(42, 50*time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.DeliverResponse(42, response(42, "OK"))
	}()

	start := time.Now()
	resp, err := c.AwaitResponse(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "OK", body(t, resp))
	assert.False(t, resp.IsTimeout())
	assert.Less(t, time.Since(start), 40*time.Millisecond)
}

func TestAtMostOneDelivery(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.Register(5, time.Second)
	c.DeliverResponse(5, response(5, "first"))
	c.DeliverResponse(5, response(5, "second"))

	resp, err := c.AwaitResponse(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "first", body(t, resp))
	assert.Equal(t, int64(1), c.Stats().DuplicateDelivered)
}

func TestLateDeliveryIsSilent(t *testing.T) {
	c, _ := newTestCoordinator(t)

	t.Run("never registered", func(t *testing.T) {
		c.DeliverResponse(100, response(100, "OK"))

		assert.False(t, c.HasPendingRequests())
		assert.Equal(t, 0, c.Stats().Retained)
		assert.Equal(t, int64(1), c.Stats().LateDeliveries)
	})

	t.Run("already forgotten", func(t *testing.T) {
		c.Register(101, time.Second)
		c.Forget(101)
		c.DeliverResponse(101, response(101, "OK"))

		assert.False(t, c.HasPendingRequests())
		assert.Equal(t, 0, c.Stats().Retained)
	})

	t.Run("nil response", func(t *testing.T) {
		c.Register(102, time.Second)
		c.DeliverResponse(102, nil)
		assert.True(t, c.HasPendingRequests())
		c.Forget(102)
	})
}

func TestDeliveryAfterDeadline(t *testing.T) {
	c, clock := newTestCoordinator(t)

	c.Register(7, 20*time.Millisecond)
	clock.Advance(21 * time.Millisecond)
	c.DeliverResponse(7, response(7, "OK"))

	resp, err := c.AwaitResponse(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, resp.IsTimeout())
	assert.Equal(t, uint64(7), resp.SequenceID)
	assert.False(t, c.HasPendingRequests())
	assert.Equal(t, int64(1), c.Stats().TimedOut)
}

func TestDeliveryExactlyAtDeadline(t *testing.T) {
	c, clock := newTestCoordinator(t)

	c.Register(8, 20*time.Millisecond)
	clock.Advance(20 * time.Millisecond)
	c.DeliverResponse(8, response(8, "OK"))

	resp, err := c.AwaitResponse(context.Background(), 8)
	require.NoError(t, err)
	assert.False(t, resp.IsTimeout())
}

func TestDuplicateRegistrationKeepsFirst(t *testing.T) {
	c, clock := newTestCoordinator(t)

	c.Register(9, 10*time.Millisecond)
	c.Register(9, time.Hour)
	assert.Equal(t, int64(1), c.Stats().Registered)

	clock.Advance(11 * time.Millisecond)
	c.DeliverResponse(9, response(9, "OK"))

	resp, err := c.AwaitResponse(context.Background(), 9)
	require.NoError(t, err)
	assert.True(t, resp.IsTimeout())
}

func TestRegisterResolvedIDIsIgnored(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.Register(10, time.Second)
	c.DeliverResponse(10, response(10, "OK"))
	c.Register(10, time.Second)

	assert.False(t, c.HasPendingRequests())
}

func TestResponsePersistsAfterRead(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.Register(11, time.Second)
	c.DeliverResponse(11, response(11, "OK"))

	first, err := c.AwaitResponse(context.Background(), 11)
	require.NoError(t, err)
	second, err := c.AwaitResponse(context.Background(), 11)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestAwaitBeforeRegister(t *testing.T) {
	c, _ := newTestCoordinator(t)

	result := make(chan *contracts.RPCMessage, 1)
	go func() {
		resp, err := c.AwaitResponse(context.Background(), 12)
		if err == nil {
			result <- resp
		}
	}()

	// Wait until the placeholder exists so Register finds it
	require.Eventually(t, func() bool {
		s := c.calls.shard(12)
		s.mu.Lock()
		defer s.mu.Unlock()
		entry, ok := s.calls[12]
		return ok && entry.waiters == 1
	}, time.Second, time.Millisecond)

	c.Register(12, time.Second)
	c.DeliverResponse(12, response(12, "OK"))

	select {
	case resp := <-result:
		assert.Equal(t, "OK", body(t, resp))
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestAwaitInterrupted(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.Register(13, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	resp, err := c.AwaitResponse(ctx, 13)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)

	// The request itself is still pending
	assert.True(t, c.HasPendingRequests())
}

func TestAwaitUnknownIDLeavesNoEntry(t *testing.T) {
	c, _ := newTestCoordinator(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := c.AwaitResponse(ctx, 14)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s := c.calls.shard(14)
	s.mu.Lock()
	_, exists := s.calls[14]
	s.mu.Unlock()
	assert.False(t, exists)
}

func TestCloseInterruptsWaiters(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.Register(15, time.Hour)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.AwaitResponse(context.Background(), 15)
		errCh <- err
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrInterrupted))
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("waiter was not interrupted")
	}

	// Close is idempotent
	assert.NoError(t, c.Close())
}

func TestSweep(t *testing.T) {
	t.Run("reclaims expired requests with a timeout response", func(t *testing.T) {
		c, clock := newTestCoordinator(t)

		c.Register(20, 20*time.Millisecond)
		c.Register(21, time.Hour)

		assert.Equal(t, 0, c.Sweep())
		clock.Advance(30 * time.Millisecond)
		assert.Equal(t, 1, c.Sweep())

		resp, err := c.AwaitResponse(context.Background(), 20)
		require.NoError(t, err)
		assert.True(t, resp.IsTimeout())

		// A response arriving after the sweep is dropped
		c.DeliverResponse(20, response(20, "OK"))
		resp, err = c.AwaitResponse(context.Background(), 20)
		require.NoError(t, err)
		assert.True(t, resp.IsTimeout())

		assert.True(t, c.HasPendingRequests())
		c.DeliverResponse(21, response(21, "OK"))
		assert.False(t, c.HasPendingRequests())

		stats := c.Stats()
		assert.Equal(t, int64(1), stats.Reclaimed)
		assert.Equal(t, int64(1), stats.Responded)
		assert.Equal(t, int64(1), stats.DuplicateDelivered)
	})

	t.Run("wakes a blocked waiter", func(t *testing.T) {
		c, clock := newTestCoordinator(t)
		c.Register(22, 20*time.Millisecond)

		result := make(chan *contracts.RPCMessage, 1)
		go func() {
			resp, _ := c.AwaitResponse(context.Background(), 22)
			result <- resp
		}()

		clock.Advance(25 * time.Millisecond)
		c.Sweep()

		select {
		case resp := <-result:
			require.NotNil(t, resp)
			assert.True(t, resp.IsTimeout())
		case <-time.After(time.Second):
			t.Fatal("waiter was not woken by sweep")
		}
	})

	t.Run("without timeout responses", func(t *testing.T) {
		c, clock := newTestCoordinator(t, WithReclaimTimeouts(false))
		c.Register(23, 20*time.Millisecond)

		clock.Advance(25 * time.Millisecond)
		assert.Equal(t, 1, c.Sweep())
		assert.False(t, c.HasPendingRequests())

		// Nothing was stored, so the caller needs its own deadline
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := c.AwaitResponse(ctx, 23)
		assert.ErrorIs(t, err, ErrInterrupted)

		c.DeliverResponse(23, response(23, "OK"))
		assert.Equal(t, int64(1), c.Stats().LateDeliveries)
	})

	t.Run("drops responses after retention", func(t *testing.T) {
		c, clock := newTestCoordinator(t, WithResponseRetention(time.Minute))

		c.Register(24, time.Second)
		c.DeliverResponse(24, response(24, "OK"))
		assert.Equal(t, 1, c.Stats().Retained)

		clock.Advance(30 * time.Second)
		c.Sweep()
		assert.Equal(t, 1, c.Stats().Retained)

		clock.Advance(31 * time.Second)
		c.Sweep()
		assert.Equal(t, 0, c.Stats().Retained)
	})

	t.Run("zero retention keeps responses", func(t *testing.T) {
		c, clock := newTestCoordinator(t, WithResponseRetention(0))

		c.Register(25, time.Second)
		c.DeliverResponse(25, response(25, "OK"))
		clock.Advance(24 * time.Hour)
		c.Sweep()
		assert.Equal(t, 1, c.Stats().Retained)

		c.Release(25)
		assert.Equal(t, 0, c.Stats().Retained)
	})
}

func TestBackgroundSweep(t *testing.T) {
	// register id=7 with 20ms, nothing else; after the sweep interval the
	// coordinator reports no pending requests
	clock := clockwork.NewFakeClock()
	c := NewCoordinator(WithClock(clock), WithSweepInterval(100*time.Millisecond))
	defer c.Close()

	c.Register(7, 20*time.Millisecond)
	assert.True(t, c.HasPendingRequests())

	clock.Advance(100 * time.Millisecond)

	assert.Eventually(t, func() bool {
		return !c.HasPendingRequests()
	}, time.Second, time.Millisecond)

	resp, err := c.AwaitResponse(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, resp.IsTimeout())
}

func TestConcurrentFanOut(t *testing.T) {
	const n = 200
	c := NewCoordinator()
	defer c.Close()

	for i := uint64(0); i < n; i++ {
		c.Register(i, time.Minute)
	}

	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := uint64(0); i < n; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			resp, err := c.AwaitResponse(context.Background(), id)
			if err != nil {
				errs[id] = err
				return
			}
			var s string
			errs[id] = resp.DecodeBody(&s)
			results[id] = s
		}(i)
	}

	order := rand.Perm(n)
	var deliverers sync.WaitGroup
	for _, idx := range order {
		deliverers.Add(1)
		go func(id uint64) {
			defer deliverers.Done()
			c.DeliverResponse(id, response(id, fmt.Sprintf("reply-%d", id)))
		}(uint64(idx))
	}
	deliverers.Wait()
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("reply-%d", i), results[i])
	}
	assert.False(t, c.HasPendingRequests())
	assert.Equal(t, int64(n), c.Stats().Responded)
}

func TestDeliveryRacesSweep(t *testing.T) {
	const n = 500
	c, clock := newTestCoordinator(t)

	for i := uint64(0); i < n; i++ {
		c.Register(i, 10*time.Millisecond)
	}
	clock.Advance(5 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := uint64(0); i < n; i++ {
			c.DeliverResponse(i, response(i, "OK"))
		}
	}()
	go func() {
		defer wg.Done()
		clock.Advance(10 * time.Millisecond)
		for i := 0; i < 10; i++ {
			c.Sweep()
		}
	}()
	wg.Wait()

	for i := uint64(0); i < n; i++ {
		resp, err := c.AwaitResponse(context.Background(), i)
		require.NoError(t, err)
		require.NotNil(t, resp)
	}

	stats := c.Stats()
	assert.False(t, c.HasPendingRequests())
	assert.Equal(t, int64(n), stats.Responded+stats.TimedOut+stats.Reclaimed)
	assert.Equal(t, int64(0), stats.Pending)
}
