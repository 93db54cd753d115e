package health

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/inarithefox/partsy-bus/internal/rabbitmq"
)

// ChannelSource is the part of a broker connection the checker needs
type ChannelSource interface {
	IsConnected() bool
	CreateChannel() (rabbitmq.Channel, error)
}

// ConnectionChecker reports the broker connection unhealthy while it is down
// and degraded when the bus exchange cannot be found on it
type ConnectionChecker struct {
	conn     ChannelSource
	exchange rabbitmq.ExchangeDeclaration
	topology *rabbitmq.TopologyManager
	logger   *slog.Logger
}

// NewConnectionChecker creates a checker for conn verifying exchange
func NewConnectionChecker(conn ChannelSource, exchange rabbitmq.ExchangeDeclaration, logger *slog.Logger) *ConnectionChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionChecker{
		conn:     conn,
		exchange: exchange,
		topology: rabbitmq.NewTopologyManager(rabbitmq.WithTopologyLogger(logger)),
		logger:   logger,
	}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "Not connected to broker"
		result.Duration = time.Since(start)
		return result
	}

	ch, err := c.conn.CreateChannel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to create channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	if err := c.topology.CheckExchange(ctx, ch, c.exchange); err != nil {
		c.logger.Warn("exchange check failed", "exchange", c.exchange.Name, "error", err)
		result.Status = StatusDegraded
		result.Message = "Exchange check failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["exchange"] = c.exchange.Name
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// RuntimeChecker reports degraded or unhealthy above goroutine thresholds
type RuntimeChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewRuntimeChecker creates a runtime checker with the given thresholds
func NewRuntimeChecker(warnGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warnGoroutines:     warnGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
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

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
