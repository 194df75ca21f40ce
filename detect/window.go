package detect

import (
	"time"

	"github.com/sentinelops/sentinel-agent/common"
)

type bucketKey struct {
	scope string
	kind  common.Kind
}

type windowEntry struct {
	at       time.Time
	identity string
}

// SlidingWindowCounter tracks events per (scope, kind) within a trailing
// time window. Entries are appended in arrival order and evicted from the
// front once they age out; the polling loops record in near time order, so
// front eviction is enough (a full pass is never required for correctness,
// stale mid-sequence entries are simply counted until the front catches up).
type SlidingWindowCounter struct {
	window  time.Duration
	clock   Clock
	buckets map[bucketKey][]windowEntry
}

// NewSlidingWindowCounter creates a counter with the given trailing window.
func NewSlidingWindowCounter(window time.Duration, clock Clock) *SlidingWindowCounter {
	return &SlidingWindowCounter{
		window:  window,
		clock:   clock,
		buckets: make(map[bucketKey][]windowEntry),
	}
}

// Record appends an observation for (scope, kind) at the current time.
func (c *SlidingWindowCounter) Record(scope string, kind common.Kind, identity string) {
	k := bucketKey{scope, kind}
	c.buckets[k] = append(c.buckets[k], windowEntry{at: c.clock.Now(), identity: identity})
}

// Count evicts stale entries and returns how many observations for
// (scope, kind) remain within the window.
func (c *SlidingWindowCounter) Count(scope string, kind common.Kind) int {
	k := bucketKey{scope, kind}
	c.evict(k, c.clock.Now())
	return len(c.buckets[k])
}

// DistinctIdentities returns the unique identities currently retained for
// (scope, kind), in first-seen order.
func (c *SlidingWindowCounter) DistinctIdentities(scope string, kind common.Kind) []string {
	k := bucketKey{scope, kind}
	c.evict(k, c.clock.Now())

	seen := make(map[string]struct{})
	var distinct []string
	for _, e := range c.buckets[k] {
		if _, ok := seen[e.identity]; ok {
			continue
		}
		seen[e.identity] = struct{}{}
		distinct = append(distinct, e.identity)
	}
	return distinct
}

// Reset clears all retained entries for (scope, kind).
func (c *SlidingWindowCounter) Reset(scope string, kind common.Kind) {
	delete(c.buckets, bucketKey{scope, kind})
}

func (c *SlidingWindowCounter) evict(k bucketKey, now time.Time) {
	entries, ok := c.buckets[k]
	if !ok {
		return
	}
	cutoff := now.Add(-c.window)
	i := 0
	for i < len(entries) && entries[i].at.Before(cutoff) {
		i++
	}
	if i == len(entries) {
		delete(c.buckets, k)
		return
	}
	if i > 0 {
		c.buckets[k] = append(entries[:0:0], entries[i:]...)
	}
}
