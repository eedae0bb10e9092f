// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"sync"
	"time"
)

// Operation names for the collector.
const (
	OpProcessorCall   = "processor_call"
	OpWebhookDelivery = "webhook_delivery"
	OpBatchSubmit     = "batch_submit"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	Failures  int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	Failures    int64   `json:"failures"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`
}

// Snapshot represents full statistics at a point in time.
type Snapshot struct {
	UptimeSeconds   float64            `json:"uptime_seconds"`
	ProcessorCall   *OperationSnapshot `json:"processor_call,omitempty"`
	WebhookDelivery *OperationSnapshot `json:"webhook_delivery,omitempty"`
	BatchSubmit     *OperationSnapshot `json:"batch_submit,omitempty"`
}

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe. A nil Collector is a valid no-op.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// Record adds one observation for the operation.
func (c *Collector) Record(op string, d time.Duration, failed bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: d, MaxTime: d}
		c.ops[op] = m
	}
	m.Count++
	if failed {
		m.Failures++
	}
	m.TotalTime += d
	if d < m.MinTime {
		m.MinTime = d
	}
	if d > m.MaxTime {
		m.MaxTime = d
	}
}

// Snapshot returns computed statistics for all operations.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		UptimeSeconds:   time.Since(c.startTime).Seconds(),
		ProcessorCall:   c.snapshotOp(OpProcessorCall),
		WebhookDelivery: c.snapshotOp(OpWebhookDelivery),
		BatchSubmit:     c.snapshotOp(OpBatchSubmit),
	}
}

func (c *Collector) snapshotOp(op string) *OperationSnapshot {
	m, ok := c.ops[op]
	if !ok || m.Count == 0 {
		return nil
	}
	return &OperationSnapshot{
		Count:       m.Count,
		Failures:    m.Failures,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
}
