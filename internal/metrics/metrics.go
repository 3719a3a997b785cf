package metrics

import (
	"sync"
	"sync/atomic"
)

// labeledCounter is a total plus per-label breakdown, safe for concurrent use
// from the engine, middlewares and exposition.
type labeledCounter struct {
	total   uint64
	mu      sync.Mutex
	byLabel map[string]uint64
}

func (c *labeledCounter) inc(label string) {
	atomic.AddUint64(&c.total, 1)
	c.mu.Lock()
	if c.byLabel == nil {
		c.byLabel = make(map[string]uint64)
	}
	c.byLabel[label]++
	c.mu.Unlock()
}

func (c *labeledCounter) snapshot() (uint64, map[string]uint64) {
	total := atomic.LoadUint64(&c.total)
	c.mu.Lock()
	defer c.mu.Unlock()
	by := make(map[string]uint64, len(c.byLabel))
	for k, v := range c.byLabel {
		by[k] = v
	}
	return total, by
}

var (
	rl             labeledCounter
	eventsAccepted uint64
	eventsDropped  labeledCounter
	executions     labeledCounter
	executionsLost uint64
	actionFailures labeledCounter
)

// IncRateLimitDrop counts an ingest request rejected with HTTP 429.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	rl.inc(prefix)
}

// RateLimitSnapshot returns a copy of the current rate limit counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	return rl.snapshot()
}

func IncEventAccepted() { atomic.AddUint64(&eventsAccepted, 1) }

// IncEventDropped counts an event refused by the engine (queue_full,
// cascade_limit, stopped, invalid).
func IncEventDropped(reason string) { eventsDropped.inc(reason) }

// IncExecution counts a persisted execution by status.
func IncExecution(status string) { executions.inc(status) }

// IncExecutionLost counts executions whose record could not be written.
func IncExecutionLost() { atomic.AddUint64(&executionsLost, 1) }

func IncActionFailure(actionType string) { actionFailures.inc(actionType) }

// AutomationStats is the exposition shape of the engine counters.
type AutomationStats struct {
	EventsAccepted       uint64            `json:"events_accepted"`
	EventsDropped        uint64            `json:"events_dropped"`
	EventsDroppedBy      map[string]uint64 `json:"events_dropped_by_reason"`
	Executions           uint64            `json:"executions"`
	ExecutionsByStatus   map[string]uint64 `json:"executions_by_status"`
	ExecutionsLost       uint64            `json:"executions_lost"`
	ActionFailures       uint64            `json:"action_failures"`
	ActionFailuresByType map[string]uint64 `json:"action_failures_by_type"`
	RateLimited          uint64            `json:"rate_limited"`
	RateLimitedBy        map[string]uint64 `json:"rate_limited_by_prefix"`
}

// AutomationSnapshot returns a copy of every engine counter.
func AutomationSnapshot() AutomationStats {
	var s AutomationStats
	s.EventsAccepted = atomic.LoadUint64(&eventsAccepted)
	s.EventsDropped, s.EventsDroppedBy = eventsDropped.snapshot()
	s.Executions, s.ExecutionsByStatus = executions.snapshot()
	s.ExecutionsLost = atomic.LoadUint64(&executionsLost)
	s.ActionFailures, s.ActionFailuresByType = actionFailures.snapshot()
	s.RateLimited, s.RateLimitedBy = rl.snapshot()
	return s
}

// Reset zeroes every counter.
func Reset() {
	rl = labeledCounter{}
	eventsDropped = labeledCounter{}
	executions = labeledCounter{}
	actionFailures = labeledCounter{}
	atomic.StoreUint64(&eventsAccepted, 0)
	atomic.StoreUint64(&executionsLost, 0)
}
