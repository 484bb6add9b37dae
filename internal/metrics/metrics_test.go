package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Record(t *testing.T) {
	c := NewCollector()
	c.Record(Sample{Capability: "chat", Provider: "openai", Model: "gpt-4o", OK: true, LatencyMs: 120})
	c.Record(Sample{Capability: "chat", Provider: "anthropic", OK: false, LatencyMs: 300})

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap.Counters["capability.chat.total"])
	assert.Equal(t, int64(1), snap.Counters["capability.chat.ok"])
	assert.Equal(t, int64(1), snap.Counters["capability.chat.error"])
	assert.Equal(t, int64(1), snap.Counters["route.openai.gpt-4o.total"])
	assert.Equal(t, int64(1), snap.Counters["route.anthropic.default.total"])
	assert.Equal(t, int64(300), snap.P95LatencyMsByCapability["chat"])
	assert.Nil(t, snap.LastError)
}

func TestCollector_RecordError(t *testing.T) {
	c := NewCollector()
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
	c.RecordError("boom")
	c.RecordError("again")

	snap := c.Snapshot()
	require.NotNil(t, snap.LastError)
	assert.Equal(t, "again", snap.LastError.Message)
	assert.Equal(t, int64(1700000000000), snap.LastError.At)
	assert.Equal(t, int64(2), snap.Counters["errors.total"])
}

func TestCollector_SamplesAreBounded(t *testing.T) {
	c := NewCollector()
	c.maxSamples = 10
	for i := 1; i <= 25; i++ {
		c.Record(Sample{Capability: "inline", Provider: "openai", OK: true, LatencyMs: int64(i)})
	}
	c.mu.Lock()
	kept := append([]int64(nil), c.latency["inline"]...)
	c.mu.Unlock()
	require.Len(t, kept, 10)
	assert.Equal(t, int64(16), kept[0])
	assert.Equal(t, int64(25), kept[9])
}

func TestCollector_SnapshotIsCopy(t *testing.T) {
	c := NewCollector()
	c.Record(Sample{Capability: "tools", Provider: "openai", OK: true})
	snap := c.Snapshot()
	snap.Counters["capability.tools.total"] = 99
	assert.Equal(t, int64(1), c.Snapshot().Counters["capability.tools.total"])
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.Record(Sample{Capability: "chat", Provider: "openai", OK: true, LatencyMs: 5})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1000), c.Snapshot().Counters["capability.chat.total"])
}

func TestPercentile(t *testing.T) {
	tests := []struct {
		name   string
		values []int64
		want   int64
	}{
		{"empty", nil, 0},
		{"single", []int64{7}, 7},
		{"twenty", seq(20), 19},
		{"hundred", seq(100), 95},
		{"unsorted", []int64{50, 10, 40, 20, 30}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Percentile(tt.values, 95))
		})
	}
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	r.Record(Sample{Capability: "chat"})
	r.RecordError("x")
	assert.Empty(t, r.Snapshot().Counters)
}

func seq(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i + 1)
	}
	return out
}
