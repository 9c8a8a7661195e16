package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Gauge names published on the metric channel.
const (
	GaugeQueueSize      = "realtime_automation_queue_size"
	GaugeRealtimeCount  = "realtime_automation_triggered_count"
	GaugeScheduledCount = "scheduled_automation_triggered_count"
	GaugeHeartbeat      = "realtime_automation_heartbeat"
)

// engineStats holds pipeline counters. Kept simple/thread-safe for use
// from the subscriber/scanner loops and exposition.
type engineStats struct {
	realtimeTriggered  uint64
	scheduledTriggered uint64
	heartbeat          int64 // unix seconds of the subscriber's last loop pass
	mu                 sync.Mutex
	missedByDTable     map[string]uint64 // admission rejections, by dtable uuid
}

var es engineStats

// IncRealtimeTriggered counts one admitted realtime rule.
func IncRealtimeTriggered() {
	atomic.AddUint64(&es.realtimeTriggered, 1)
}

// IncScheduledTriggered counts one admitted scheduled rule.
func IncScheduledTriggered() {
	atomic.AddUint64(&es.scheduledTriggered, 1)
}

// Beat stamps the subscriber heartbeat; an external liveness probe reads it.
func Beat() {
	atomic.StoreInt64(&es.heartbeat, time.Now().Unix())
}

// Heartbeat returns the last heartbeat as unix seconds (0 when never set).
func Heartbeat() int64 {
	return atomic.LoadInt64(&es.heartbeat)
}

// IncMissed increments the per-dtable admission-rejection counter.
// Use "" for unattributed drops.
func IncMissed(dtableUUID string) {
	if dtableUUID == "" {
		dtableUUID = "unknown"
	}
	es.mu.Lock()
	if es.missedByDTable == nil {
		es.missedByDTable = make(map[string]uint64)
	}
	es.missedByDTable[dtableUUID]++
	es.mu.Unlock()
}

// DrainMissed returns and clears the per-dtable rejection counters.
// The hourly admin notifier consumes this.
func DrainMissed() map[string]uint64 {
	es.mu.Lock()
	defer es.mu.Unlock()
	out := es.missedByDTable
	es.missedByDTable = nil
	if out == nil {
		out = map[string]uint64{}
	}
	return out
}

// Snapshot returns a copy of the trigger counters.
func Snapshot() (realtime, scheduled uint64) {
	return atomic.LoadUint64(&es.realtimeTriggered), atomic.LoadUint64(&es.scheduledTriggered)
}
