package detect

import (
	"math"
	"sort"
	"time"
)

// SamplerConfig tunes the adaptive sampler. Defaults: one minute of
// per-second history, thresholds at mean+2σ once ten samples exist, three
// consecutive outliers to raise the alert, five consecutive normals to
// clear it, snapshots every 15 minutes normally and every 5 seconds while
// alerting.
type SamplerConfig struct {
	WindowSize     int
	MinSamples     int
	Sigma          float64
	TriggerCount   int
	ClearCount     int
	NormalInterval time.Duration
	AlertInterval  time.Duration
}

func (c *SamplerConfig) applyDefaults() {
	if c.WindowSize == 0 {
		c.WindowSize = 60
	}
	if c.MinSamples == 0 {
		c.MinSamples = 10
	}
	if c.Sigma == 0 {
		c.Sigma = 2.0
	}
	if c.TriggerCount == 0 {
		c.TriggerCount = 3
	}
	if c.ClearCount == 0 {
		c.ClearCount = 5
	}
	if c.NormalInterval == 0 {
		c.NormalInterval = 15 * time.Minute
	}
	if c.AlertInterval == 0 {
		c.AlertInterval = 5 * time.Second
	}
}

// Decision is the outcome of one sampler tick.
type Decision struct {
	// Emit is true when a snapshot should be shipped this tick.
	Emit bool
	// InAlert reflects the hysteresis state after this tick.
	InAlert bool
	// EnteredAlert / ClearedAlert mark the transition ticks.
	EnteredAlert bool
	ClearedAlert bool
	// Triggered lists the metrics whose alert streaks reached the
	// trigger count this tick, sorted for stable output.
	Triggered []string
}

// metricRing is a fixed-capacity circular buffer of recent samples for one
// metric, used to compute the rolling mean and standard deviation.
type metricRing struct {
	values []float64
	next   int
	full   bool
}

func newMetricRing(capacity int) *metricRing {
	return &metricRing{values: make([]float64, 0, capacity)}
}

func (r *metricRing) push(v float64) {
	if !r.full && len(r.values) < cap(r.values) {
		r.values = append(r.values, v)
		if len(r.values) == cap(r.values) {
			r.full = true
		}
		return
	}
	r.values[r.next] = v
	r.next = (r.next + 1) % len(r.values)
}

func (r *metricRing) len() int { return len(r.values) }

func (r *metricRing) meanStddev() (float64, float64) {
	n := float64(len(r.values))
	if n == 0 {
		return 0, 0
	}
	var sum, sumSq float64
	for _, v := range r.values {
		sum += v
		sumSq += v * v
	}
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

// AdaptiveSampler decides, from per-tick scalar metric samples, when the
// metrics stream should be reported. It observes every tick but emits
// sparsely under normal conditions, switching to a dense cadence while any
// metric stays above its self-tuned threshold. Entering alert takes
// TriggerCount consecutive outliers on one metric; leaving takes ClearCount
// consecutive normal samples on every metric, which biases toward fast
// alerting and slow, confirmed de-escalation.
type AdaptiveSampler struct {
	cfg          SamplerConfig
	clock        Clock
	rings        map[string]*metricRing
	alertStreak  map[string]int
	normalStreak map[string]int
	inAlert      bool
	lastEmit     time.Time
	emitted      bool
}

// NewAdaptiveSampler creates a sampler with the given tuning.
func NewAdaptiveSampler(cfg SamplerConfig, clock Clock) *AdaptiveSampler {
	cfg.applyDefaults()
	return &AdaptiveSampler{
		cfg:          cfg,
		clock:        clock,
		rings:        make(map[string]*metricRing),
		alertStreak:  make(map[string]int),
		normalStreak: make(map[string]int),
	}
}

// Observe runs one sampling tick: every supplied metric is appended to its
// ring buffer and evaluated against its dynamic threshold, the hysteresis
// state machine advances, and the emission cadence is checked. Sampling
// happens every tick regardless of the emission decision.
func (s *AdaptiveSampler) Observe(samples map[string]float64) Decision {
	now := s.clock.Now()
	var dec Decision

	wasAlert := s.inAlert

	for metric, value := range samples {
		ring, ok := s.rings[metric]
		if !ok {
			ring = newMetricRing(s.cfg.WindowSize)
			s.rings[metric] = ring
		}

		threshold := s.threshold(ring)
		ring.push(value)

		if value >= threshold {
			s.alertStreak[metric]++
			s.normalStreak[metric] = 0
			if s.alertStreak[metric] == s.cfg.TriggerCount {
				dec.Triggered = append(dec.Triggered, metric)
			}
		} else {
			s.normalStreak[metric]++
			s.alertStreak[metric] = 0
		}
	}
	sort.Strings(dec.Triggered)

	for _, streak := range s.alertStreak {
		if streak >= s.cfg.TriggerCount {
			s.inAlert = true
		}
	}

	if wasAlert && s.allMetricsCalm() {
		s.inAlert = false
		for metric := range s.alertStreak {
			s.alertStreak[metric] = 0
		}
		for metric := range s.normalStreak {
			s.normalStreak[metric] = 0
		}
	}

	dec.InAlert = s.inAlert
	dec.EnteredAlert = !wasAlert && s.inAlert
	dec.ClearedAlert = wasAlert && !s.inAlert

	interval := s.cfg.NormalInterval
	if s.inAlert {
		interval = s.cfg.AlertInterval
	}
	elapsed := now.Sub(s.lastEmit)
	if elapsed < 0 {
		// Clock went backwards; hold the cadence rather than emit early.
		elapsed = 0
	}
	if !s.emitted || elapsed >= interval {
		dec.Emit = true
		s.lastEmit = now
		s.emitted = true
	}

	return dec
}

// InAlert reports the current hysteresis state.
func (s *AdaptiveSampler) InAlert() bool { return s.inAlert }

// Threshold returns the current dynamic threshold for a metric. Below
// MinSamples it is +Inf so a cold buffer can never trigger.
func (s *AdaptiveSampler) Threshold(metric string) float64 {
	ring, ok := s.rings[metric]
	if !ok {
		return math.Inf(1)
	}
	return s.threshold(ring)
}

func (s *AdaptiveSampler) threshold(ring *metricRing) float64 {
	if ring.len() < s.cfg.MinSamples {
		return math.Inf(1)
	}
	mean, stddev := ring.meanStddev()
	return mean + s.cfg.Sigma*stddev
}

func (s *AdaptiveSampler) allMetricsCalm() bool {
	for metric := range s.rings {
		if s.normalStreak[metric] < s.cfg.ClearCount {
			return false
		}
	}
	return len(s.rings) > 0
}
