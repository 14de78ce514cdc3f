package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/sacmq/sacmq-go/invoke"
)

// Connectivity is implemented by transports and the broker connection manager
type Connectivity interface {
	IsConnected() bool
}

// ConnectivityChecker reports unhealthy while the target is disconnected
type ConnectivityChecker struct {
	name   string
	target Connectivity
}

// NewConnectivityChecker creates a checker named name for target
func NewConnectivityChecker(name string, target Connectivity) *ConnectivityChecker {
	return &ConnectivityChecker{name: name, target: target}
}

func (c *ConnectivityChecker) Name() string {
	return c.name
}

func (c *ConnectivityChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.target.IsConnected()
	result.Details["connected"] = connected
	if connected {
		result.Status = StatusHealthy
		result.Message = "connected"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "not connected"
	}

	result.Duration = time.Since(start)
	return result
}

// StatsSource exposes coordinator counters. *invoke.Coordinator implements it.
type StatsSource interface {
	Stats() invoke.Stats
}

// PendingRequestsChecker watches the number of calls awaiting a response
type PendingRequestsChecker struct {
	source            StatsSource
	warningThreshold  int64
	criticalThreshold int64
}

// NewPendingRequestsChecker reports degraded above warning pending calls and
// unhealthy above critical. A threshold of 0 disables it.
func NewPendingRequestsChecker(source StatsSource, warning, critical int64) *PendingRequestsChecker {
	return &PendingRequestsChecker{
		source:            source,
		warningThreshold:  warning,
		criticalThreshold: critical,
	}
}

func (c *PendingRequestsChecker) Name() string {
	return "pending_requests"
}

func (c *PendingRequestsChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	stats := c.source.Stats()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   fmt.Sprintf("%d pending", stats.Pending),
		Timestamp: start,
		Details: map[string]interface{}{
			"pending":   stats.Pending,
			"retained":  stats.Retained,
			"responded": stats.Responded,
			"timed_out": stats.TimedOut,
			"late":      stats.LateDeliveries,
		},
	}

	switch {
	case c.criticalThreshold > 0 && stats.Pending > c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many pending requests: %d", stats.Pending)
	case c.warningThreshold > 0 && stats.Pending > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high pending request count: %d", stats.Pending)
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker flags runaway goroutine growth, typically callers stuck
// waiting on responses
type GoroutineChecker struct {
	warningThreshold  int
	criticalThreshold int
}

// NewGoroutineChecker creates a goroutine count checker
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{
		warningThreshold:  warning,
		criticalThreshold: critical,
	}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "goroutine count is normal",
		Timestamp: start,
		Details: map[string]interface{}{
			"goroutines":     goroutines,
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
			"gc_runs":        m.NumGC,
		},
	}

	if goroutines > c.criticalThreshold {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	} else if goroutines > c.warningThreshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker adapts a function into a Checker
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.checker(ctx)

	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Timestamp: start,
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
