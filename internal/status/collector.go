package status

import (
	"sort"
	"sync"
	"time"

	"github.com/miladsoleymani/mqttrigger/core"
)

// ComponentStats aggregates invocations of one component across all of its
// bindings.
type ComponentStats struct {
	Component      string  `json:"component"`
	Invocations    uint64  `json:"invocations"`
	Failures       uint64  `json:"failures"`
	TotalMillis    float64 `json:"total_ms"`
	LastMillis     float64 `json:"last_ms"`
	LastError      string  `json:"last_error,omitempty"`
	LastInvocation string  `json:"last_invocation,omitempty"`
}

// Collector implements middleware.MetricsCollector in memory.
type Collector struct {
	mu    sync.Mutex
	stats map[string]*ComponentStats
	now   func() time.Time
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{stats: make(map[string]*ComponentStats), now: time.Now}
}

// MessageProcessed records one invocation.
func (c *Collector) MessageProcessed(b core.ComponentBinding, d time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.stats[b.Component]
	if !ok {
		s = &ComponentStats{Component: b.Component}
		c.stats[b.Component] = s
	}
	ms := float64(d) / float64(time.Millisecond)
	s.Invocations++
	s.TotalMillis += ms
	s.LastMillis = ms
	s.LastInvocation = c.now().UTC().Format(time.RFC3339)
	if err != nil {
		s.Failures++
		s.LastError = err.Error()
	}
}

// Component returns the stats of one component.
func (c *Collector) Component(name string) (ComponentStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stats[name]
	if !ok {
		return ComponentStats{}, false
	}
	return *s, true
}

// Snapshot returns the stats of every component, sorted by name.
func (c *Collector) Snapshot() []ComponentStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ComponentStats, 0, len(c.stats))
	for _, s := range c.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}
