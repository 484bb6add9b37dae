// Package metrics collects in-process counters and latency percentiles for the
// AI engine.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// MaxSamples bounds the latency samples kept per capability.
const MaxSamples = 2000

// Sample is the outcome of one served request on its final route.
type Sample struct {
	Capability string
	Provider   string
	Model      string
	OK         bool
	LatencyMs  int64
}

// LastError is the most recent recorded failure.
type LastError struct {
	At      int64  `json:"at"`
	Message string `json:"message"`
}

// Snapshot is a point-in-time copy of the collector state.
type Snapshot struct {
	Counters                 map[string]int64 `json:"counters"`
	P95LatencyMsByCapability map[string]int64 `json:"p95LatencyMsByCapability"`
	LastError                *LastError       `json:"lastError,omitempty"`
}

// Recorder is what the engine needs from a collector.
type Recorder interface {
	Record(s Sample)
	RecordError(message string)
	Snapshot() Snapshot
}

// Collector is a thread-safe Recorder.
type Collector struct {
	mu         sync.Mutex
	counters   map[string]int64
	latency    map[string][]int64
	lastError  *LastError
	maxSamples int
	now        func() time.Time
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{
		counters:   make(map[string]int64),
		latency:    make(map[string][]int64),
		maxSamples: MaxSamples,
		now:        time.Now,
	}
}

// Record counts a request under its capability and route, and keeps its latency.
func (c *Collector) Record(s Sample) {
	model := s.Model
	if model == "" {
		model = "default"
	}
	outcome := "error"
	if s.OK {
		outcome = "ok"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters["capability."+s.Capability+".total"]++
	c.counters["capability."+s.Capability+"."+outcome]++
	c.counters["route."+s.Provider+"."+model+".total"]++

	arr := append(c.latency[s.Capability], s.LatencyMs)
	if over := len(arr) - c.maxSamples; over > 0 {
		arr = append(arr[:0:0], arr[over:]...)
	}
	c.latency[s.Capability] = arr
}

// RecordError keeps message as the last error and bumps errors.total.
func (c *Collector) RecordError(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastError = &LastError{At: c.now().UnixMilli(), Message: message}
	c.counters["errors.total"]++
}

// Snapshot returns a copy of counters, per-capability p95 latency and the last error.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Snapshot{
		Counters:                 make(map[string]int64, len(c.counters)),
		P95LatencyMsByCapability: make(map[string]int64, len(c.latency)),
	}
	for k, v := range c.counters {
		out.Counters[k] = v
	}
	for capability, values := range c.latency {
		out.P95LatencyMsByCapability[capability] = Percentile(values, 95)
	}
	if c.lastError != nil {
		le := *c.lastError
		out.LastError = &le
	}
	return out
}

// Percentile returns the nearest-rank p-th percentile of values, or 0 when empty.
func Percentile(values []int64, p float64) int64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(p*float64(n)/100)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

// Nop discards everything. It is used when metrics are disabled.
type Nop struct{}

func (Nop) Record(Sample) {}

func (Nop) RecordError(string) {}

func (Nop) Snapshot() Snapshot {
	return Snapshot{Counters: map[string]int64{}, P95LatencyMsByCapability: map[string]int64{}}
}
