package policy

import (
	"strings"
	"sync"
	"time"
)

// CooldownTracker enforces per-tool minimum intervals between
// successful executions. Tools without a configured interval are never
// throttled.
type CooldownTracker struct {
	mu        sync.Mutex
	intervals map[string]time.Duration
	lastRun   map[string]time.Time
}

// NewCooldownTracker creates a tracker from per-tool intervals keyed by
// tool name pattern (exact names only).
func NewCooldownTracker(intervals map[string]time.Duration) *CooldownTracker {
	normalized := make(map[string]time.Duration, len(intervals))
	for name, d := range intervals {
		normalized[strings.ToLower(strings.TrimSpace(name))] = d
	}
	return &CooldownTracker{
		intervals: normalized,
		lastRun:   make(map[string]time.Time),
	}
}

// Remaining returns how long until the tool may run again.
func (c *CooldownTracker) Remaining(tool string, now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	interval, ok := c.intervals[strings.ToLower(tool)]
	if !ok {
		return 0
	}
	last, ok := c.lastRun[strings.ToLower(tool)]
	if !ok {
		return 0
	}
	return interval - now.Sub(last)
}

// Record marks a successful execution.
func (c *CooldownTracker) Record(tool string, now time.Time) {
	key := strings.ToLower(tool)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.intervals[key]; !ok {
		return
	}
	c.lastRun[key] = now
}
