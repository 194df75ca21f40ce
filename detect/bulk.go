package detect

import (
	"time"

	"github.com/sentinelops/sentinel-agent/common"
)

// BulkConfig tunes the bulk-operation detector. The defaults mirror the
// most latency-sensitive tuning in use: three same-kind events in the same
// scope within two seconds collapse into one bulk event, and the scope then
// stays quiet for five seconds.
type BulkConfig struct {
	// Threshold is the number of same-kind events within Window that
	// constitutes a bulk operation.
	Threshold int
	// Window is the trailing interval over which events are counted.
	Window time.Duration
	// Cooldown is the minimum time between bulk emissions for one scope.
	Cooldown time.Duration
	// SampleLimit caps how many distinct identities a bulk event carries.
	SampleLimit int
}

func (c *BulkConfig) applyDefaults() {
	if c.Threshold == 0 {
		c.Threshold = 3
	}
	if c.Window == 0 {
		c.Window = 2 * time.Second
	}
	if c.Cooldown == 0 {
		c.Cooldown = 5 * time.Second
	}
	if c.SampleLimit == 0 {
		c.SampleLimit = 5
	}
}

// BulkEvent is the synthetic summary emitted when a burst of individually
// uninteresting events crosses the threshold.
type BulkEvent struct {
	Scope            string
	Kind             common.Kind
	Count            int
	SampleIdentities []string
	Time             time.Time
}

// BulkOperationDetector converts O(n) raw events during a burst (an archive
// extraction, a mass delete) into one summary event per burst. Events of
// different kinds in the same scope are tracked independently; a fired scope
// re-arms only after its cooldown elapses.
type BulkOperationDetector struct {
	cfg      BulkConfig
	clock    Clock
	counter  *SlidingWindowCounter
	lastBulk map[string]time.Time
}

// NewBulkOperationDetector creates a detector with the given tuning.
func NewBulkOperationDetector(cfg BulkConfig, clock Clock) *BulkOperationDetector {
	cfg.applyDefaults()
	return &BulkOperationDetector{
		cfg:      cfg,
		clock:    clock,
		counter:  NewSlidingWindowCounter(cfg.Window, clock),
		lastBulk: make(map[string]time.Time),
	}
}

// Observe records one raw event and reports whether it tipped the scope
// into a bulk operation. When it fires, the window for (scope, kind) is
// cleared and the scope enters cooldown.
func (d *BulkOperationDetector) Observe(scope string, kind common.Kind, identity string) (BulkEvent, bool) {
	now := d.clock.Now()

	d.counter.Record(scope, kind, identity)
	count := d.counter.Count(scope, kind)
	if count < d.cfg.Threshold || d.inCooldown(scope, now) {
		return BulkEvent{}, false
	}

	distinct := d.counter.DistinctIdentities(scope, kind)
	samples := distinct
	if len(samples) > d.cfg.SampleLimit {
		samples = samples[:d.cfg.SampleLimit]
	}

	d.counter.Reset(scope, kind)
	d.lastBulk[scope] = now

	return BulkEvent{
		Scope:            scope,
		Kind:             kind,
		Count:            count,
		SampleIdentities: samples,
		Time:             now,
	}, true
}

// ShouldSuppressIndividual reports whether individual events for
// (scope, kind) should be withheld: either a burst is building toward the
// threshold or the scope recently fired and is cooling down.
func (d *BulkOperationDetector) ShouldSuppressIndividual(scope string, kind common.Kind) bool {
	now := d.clock.Now()
	if d.inCooldown(scope, now) {
		return true
	}
	return d.counter.Count(scope, kind) >= d.cfg.Threshold
}

func (d *BulkOperationDetector) inCooldown(scope string, now time.Time) bool {
	last, ok := d.lastBulk[scope]
	return ok && now.Sub(last) < d.cfg.Cooldown
}
