// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Operation names for the collector. Steps are recorded as StepOp(name).
const (
	OpPipeline = "pipeline"
	OpChunk    = "chunk"
	OpUpload   = "storage_upload"
	OpDBWrite  = "db_write"
)

// Counter names.
const (
	CounterSubmitted = "submitted"
	CounterCompleted = "completed"
	CounterFailed    = "failed"
	CounterRejected  = "rejected"
	CounterChunks    = "chunks"
)

// StepOp names the timing series of one pipeline step.
func StepOp(step string) string {
	return "step:" + step
}

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	Failures  int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Token metrics (only for metered remote calls)
	TotalTokens int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Name        string  `json:"name"`
	Count       int64   `json:"count"`
	Failures    int64   `json:"failures"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`

	TotalTokens *int64 `json:"total_tokens,omitempty"`
}

// Snapshot represents the full server statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64             `json:"uptime_seconds"`
	Operations    []OperationSnapshot `json:"operations"`
	Counters      map[string]int64    `json:"counters"`
}

// Op returns the snapshot of one operation, or nil if it never ran.
func (s Snapshot) Op(name string) *OperationSnapshot {
	for i := range s.Operations {
		if s.Operations[i].Name == name {
			return &s.Operations[i]
		}
	}
	return nil
}

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
	counters  map[string]int64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
		counters:  make(map[string]int64),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for an operation. A non-nil err counts as a failure.
func (c *Collector) RecordTiming(op string, duration time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration
	if err != nil {
		m.Failures++
	}

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordTokens adds token usage reported by a remote service to op.
func (c *Collector) RecordTokens(op string, tokens int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(op).TotalTokens += tokens
}

// Time is a helper for `defer c.Time(op, time.Now(), &err)`.
func (c *Collector) Time(op string, start time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	c.RecordTiming(op, time.Since(start), err)
}

// Add increments a counter.
func (c *Collector) Add(counter string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[counter] += delta
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(name string, m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}

	snap := &OperationSnapshot{
		Name:        name,
		Count:       m.Count,
		Failures:    m.Failures,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
	if m.TotalTokens > 0 {
		total := m.TotalTokens
		snap.TotalTokens = &total
	}
	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics, operations
// sorted by name.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Counters:      make(map[string]int64, len(c.counters)),
	}
	for name, m := range c.ops {
		if s := snapshotOp(name, m); s != nil {
			snap.Operations = append(snap.Operations, *s)
		}
	}
	sort.Slice(snap.Operations, func(i, j int) bool {
		return snap.Operations[i].Name < snap.Operations[j].Name
	})
	for k, v := range c.counters {
		snap.Counters[k] = v
	}
	return snap
}
