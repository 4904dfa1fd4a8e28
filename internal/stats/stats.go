// Package stats tracks request counters for the public and admin surfaces.
// Mutations are cheap and in-memory; persistence goes through the store's
// coalescing buffer so request handling never waits on a write.
package stats

import (
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/GeminiBizAPI/internal/constant"
	"github.com/router-for-me/GeminiBizAPI/internal/store"
)

// Snapshot is the persisted and served form of the counters.
type Snapshot struct {
	TotalRequests   int64            `json:"total_requests"`
	SuccessRequests int64            `json:"success_requests"`
	FailedRequests  int64            `json:"failed_requests"`
	ModelCounts     map[string]int64 `json:"model_counts"`
	// RequestTimes is a bounded ring of recent request epoch seconds used
	// for rate displays.
	RequestTimes []int64 `json:"request_times"`
	StartedAt    int64   `json:"started_at"`
	LastSuccess  int64   `json:"last_success,omitempty"`
}

// Collector is the mutable counter set.
type Collector struct {
	mu       sync.Mutex
	snapshot Snapshot
	buffered *store.Buffered
}

// NewCollector creates a collector, optionally seeded from a persisted
// stats document.
func NewCollector(buffered *store.Buffered, doc []byte) *Collector {
	c := &Collector{
		snapshot: Snapshot{ModelCounts: make(map[string]int64), StartedAt: time.Now().Unix()},
		buffered: buffered,
	}
	if len(doc) > 0 {
		var loaded Snapshot
		if err := json.Unmarshal(doc, &loaded); err != nil {
			log.Warnf("stats document unreadable, starting fresh: %v", err)
		} else {
			loaded.StartedAt = c.snapshot.StartedAt
			if loaded.ModelCounts == nil {
				loaded.ModelCounts = make(map[string]int64)
			}
			c.snapshot = loaded
		}
	}
	return c
}

// Record counts one finished request.
func (c *Collector) Record(model string, success bool) {
	now := time.Now().Unix()
	c.mu.Lock()
	c.snapshot.TotalRequests++
	if success {
		c.snapshot.SuccessRequests++
		c.snapshot.LastSuccess = now
	} else {
		c.snapshot.FailedRequests++
	}
	if model != "" {
		c.snapshot.ModelCounts[model]++
	}
	c.snapshot.RequestTimes = append(c.snapshot.RequestTimes, now)
	if len(c.snapshot.RequestTimes) > constant.StatsRingSize {
		c.snapshot.RequestTimes = c.snapshot.RequestTimes[len(c.snapshot.RequestTimes)-constant.StatsRingSize:]
	}
	doc, err := json.Marshal(c.snapshot)
	c.mu.Unlock()

	if err == nil && c.buffered != nil {
		c.buffered.SetBuffered(store.KeyStats, doc)
	}
}

// Get returns a copy of the current counters.
func (c *Collector) Get() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.snapshot
	out.ModelCounts = make(map[string]int64, len(c.snapshot.ModelCounts))
	for k, v := range c.snapshot.ModelCounts {
		out.ModelCounts[k] = v
	}
	out.RequestTimes = append([]int64(nil), c.snapshot.RequestTimes...)
	return out
}

// Reset zeroes all counters, keeping the start time.
func (c *Collector) Reset() {
	c.mu.Lock()
	started := c.snapshot.StartedAt
	c.snapshot = Snapshot{ModelCounts: make(map[string]int64), StartedAt: started}
	doc, err := json.Marshal(c.snapshot)
	c.mu.Unlock()
	if err == nil && c.buffered != nil {
		c.buffered.SetBuffered(store.KeyStats, doc)
	}
}
