package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/queueworks/intake/internal/rabbitmq"
)

// BrokerChecker reports on the broker connection and, once known, the
// consumed queue.
type BrokerChecker struct {
	supervisor *rabbitmq.Supervisor
	queueName  func() string
}

// NewBrokerChecker creates a checker over the given connection supervisor.
// queueName is consulted on every check so the resolved queue name is
// picked up once the subscription exists; it may return empty.
func NewBrokerChecker(supervisor *rabbitmq.Supervisor, queueName func() string) *BrokerChecker {
	if queueName == nil {
		queueName = func() string { return "" }
	}
	return &BrokerChecker{supervisor: supervisor, queueName: queueName}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	state := c.supervisor.State()
	result.Details["connection_state"] = state.String()

	if state != rabbitmq.Connected {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("connection is %s", state)
		result.Duration = time.Since(start)
		return result
	}

	ch, err := c.supervisor.Channel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer ch.Close()

	result.Status = StatusHealthy
	result.Message = "connection is healthy"

	if queue := c.queueName(); queue != "" {
		inspected, err := ch.QueueInspect(queue)
		if err != nil {
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("queue %s not accessible", queue)
			result.Error = err.Error()
		} else {
			result.Details["queue"] = inspected.Name
			result.Details["message_count"] = inspected.Messages
			result.Details["consumer_count"] = inspected.Consumers
		}
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker reports on process-level resource usage.
type RuntimeChecker struct {
	warningGoroutines  int
	criticalGoroutines int
}

// NewRuntimeChecker creates a checker flagging excessive goroutine counts.
func NewRuntimeChecker(warning, critical int) *RuntimeChecker {
	return &RuntimeChecker{warningGoroutines: warning, criticalGoroutines: critical}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutines := runtime.NumGoroutine()
	result.Details["goroutines"] = goroutines
	result.Details["memory_sys_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC

	switch {
	case c.criticalGoroutines > 0 && goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case c.warningGoroutines > 0 && goroutines > c.warningGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime usage is normal"
	}

	result.Duration = time.Since(start)
	return result
}
