package invoke

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultSweepInterval is how often expired requests are reclaimed
	DefaultSweepInterval = 60 * time.Second

	// DefaultResponseRetention is how long a delivered response stays readable
	DefaultResponseRetention = 5 * time.Minute
)

type coordinatorConfig struct {
	clock           clockwork.Clock
	logger          *slog.Logger
	sweepInterval   time.Duration
	retention       time.Duration
	reclaimTimeouts bool
}

// CoordinatorOption configures the Coordinator
type CoordinatorOption func(*coordinatorConfig)

// WithClock sets the clock used for deadlines and the sweep ticker
func WithClock(clock clockwork.Clock) CoordinatorOption {
	return func(c *coordinatorConfig) {
		c.clock = clock
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *coordinatorConfig) {
		c.logger = logger
	}
}

// WithSweepInterval sets the period of the background sweep
func WithSweepInterval(interval time.Duration) CoordinatorOption {
	return func(c *coordinatorConfig) {
		c.sweepInterval = interval
	}
}

// WithResponseRetention sets how long delivered responses are kept after
// they are resolved. Zero keeps them until Release.
func WithResponseRetention(retention time.Duration) CoordinatorOption {
	return func(c *coordinatorConfig) {
		c.retention = retention
	}
}

// WithReclaimTimeouts controls whether the sweep stores a timeout response
// for the requests it reclaims. When disabled the sweep only drops the
// pending entry and callers must bound AwaitResponse with their own context.
func WithReclaimTimeouts(enabled bool) CoordinatorOption {
	return func(c *coordinatorConfig) {
		c.reclaimTimeouts = enabled
	}
}
