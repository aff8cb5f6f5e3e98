package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/pipeline-orchestrator/internal/executor"
)

// EngineStats reports the execution engine's pool and queue
type EngineStats interface {
	Stats() executor.Stats
}

// SystemMetrics is one sample of host and engine metrics
type SystemMetrics struct {
	Timestamp   time.Time      `json:"timestamp"`
	CPUUsage    float64        `json:"cpu_usage"`
	MemoryUsage float64        `json:"memory_usage"`
	Engine      executor.Stats `json:"engine"`
}

// MetricsCollector collects system and engine metrics
type MetricsCollector struct {
	logger   *zap.Logger
	engine   EngineStats
	interval time.Duration
	mu       sync.RWMutex
	latest   SystemMetrics
	stop     chan struct{}
	once     sync.Once
}

// NewMetricsCollector creates a new metrics collector; engine may be nil.
func NewMetricsCollector(engine EngineStats, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		engine:   engine,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start starts the metrics collector
func (c *MetricsCollector) Start(ctx context.Context) error {
	c.logger.Info("Starting metrics collector")
	if _, err := c.Collect(ctx); err != nil {
		c.logger.Warn("Initial metrics sample failed", zap.Error(err))
	}
	go c.collectLoop(ctx)
	return nil
}

// Stop stops the metrics collector
func (c *MetricsCollector) Stop() {
	c.once.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)
	})
}

// collectLoop runs the metrics collection loop
func (c *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if _, err := c.Collect(ctx); err != nil {
				c.logger.Error("Failed to collect metrics", zap.Error(err))
			}
		}
	}
}

// Collect takes a sample and makes it the latest one
func (c *MetricsCollector) Collect(ctx context.Context) (SystemMetrics, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return SystemMetrics{}, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return SystemMetrics{}, fmt.Errorf("failed to get memory usage: %w", err)
	}

	sample := SystemMetrics{
		Timestamp:   time.Now(),
		MemoryUsage: memInfo.UsedPercent,
	}
	if len(cpuPercent) > 0 {
		sample.CPUUsage = cpuPercent[0]
	}
	if c.engine != nil {
		sample.Engine = c.engine.Stats()
	}

	c.Record(sample)
	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", sample.CPUUsage),
		zap.Float64("memory_usage", sample.MemoryUsage),
		zap.Int("queue_depth", sample.Engine.QueueDepth),
		zap.Int("running", sample.Engine.Running))
	return sample, nil
}

// Record stores a sample as the latest one
func (c *MetricsCollector) Record(sample SystemMetrics) {
	c.mu.Lock()
	c.latest = sample
	c.mu.Unlock()
}

// Latest returns the most recent sample
func (c *MetricsCollector) Latest() SystemMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// EngineStats returns live engine statistics, or the last sampled ones
// when no engine is attached.
func (c *MetricsCollector) EngineStats() executor.Stats {
	if c.engine != nil {
		return c.engine.Stats()
	}
	return c.Latest().Engine
}
