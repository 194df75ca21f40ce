package monitor

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelops/sentinel-agent/common"
	"github.com/sentinelops/sentinel-agent/detect"
	"github.com/sentinelops/sentinel-agent/observability"
)

// SystemConfig tunes the system-metrics monitor.
type SystemConfig struct {
	Interval time.Duration
	Sampler  detect.SamplerConfig
}

// SystemMonitor samples resource metrics every tick and lets the
// adaptive sampler decide when a snapshot is worth shipping. Alert
// transitions always produce a record of their own.
type SystemMonitor struct {
	config  SystemConfig
	source  MetricsSource
	clock   detect.Clock
	logger  *zap.Logger
	metrics *observability.Metrics

	running  atomic.Bool
	records  chan common.Record
	stopChan chan struct{}

	sampler *detect.AdaptiveSampler
	inAlert atomic.Bool
}

// NewSystemMonitor creates a system monitor over the given source.
func NewSystemMonitor(config SystemConfig, source MetricsSource, clock detect.Clock, logger *zap.Logger, metrics *observability.Metrics) *SystemMonitor {
	if config.Interval == 0 {
		config.Interval = time.Second
	}
	return &SystemMonitor{
		config:  config,
		source:  source,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		records: make(chan common.Record, recordBuffer),
		sampler: detect.NewAdaptiveSampler(config.Sampler, clock),
	}
}

func (sm *SystemMonitor) Name() string { return "system" }

// Start begins metric sampling in the background.
func (sm *SystemMonitor) Start() error {
	if !sm.running.CompareAndSwap(false, true) {
		return fmt.Errorf("system monitor is already running")
	}
	sm.stopChan = make(chan struct{})
	go sm.loop(sm.stopChan)
	return nil
}

// Stop halts metric sampling.
func (sm *SystemMonitor) Stop() error {
	if !sm.running.CompareAndSwap(true, false) {
		return fmt.Errorf("system monitor is not running")
	}
	close(sm.stopChan)
	return nil
}

// IsRunning returns whether the system monitor is active.
func (sm *SystemMonitor) IsRunning() bool { return sm.running.Load() }

// Records returns the channel of emitted records.
func (sm *SystemMonitor) Records() <-chan common.Record { return sm.records }

// InAlert reports whether the sampler currently considers the host under
// resource pressure. Safe to call from other goroutines.
func (sm *SystemMonitor) InAlert() bool { return sm.inAlert.Load() }

// loop polls until stopped. A panicking tick is logged and leaves the
// monitor marked dead so the supervisor can restart it.
func (sm *SystemMonitor) loop(stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			sm.logger.Error("system monitor panicked", zap.Any("panic", r))
		}
		sm.running.Store(false)
	}()

	ticker := time.NewTicker(sm.config.Interval)
	defer ticker.Stop()

	sm.tick()
	for {
		select {
		case <-ticker.C:
			sm.tick()
		case <-stop:
			return
		}
	}
}

func (sm *SystemMonitor) tick() {
	samples, err := sm.source.Sample()
	if err != nil {
		sm.logger.Warn("metric sample failed", zap.Error(err))
		return
	}

	dec := sm.sampler.Observe(samples)

	sm.inAlert.Store(dec.InAlert)
	if dec.InAlert {
		sm.metrics.InAlert.Set(1)
	} else {
		sm.metrics.InAlert.Set(0)
	}

	if dec.EnteredAlert {
		rec := common.NewRecord(sm.Name(), "alert_entered", map[string]interface{}{
			"triggered_metrics": dec.Triggered,
			"metrics":           toDetails(samples),
		})
		rec.Severity = common.SeverityHigh
		sm.emit(rec)
		sm.logger.Info("resource alert entered", zap.Strings("metrics", dec.Triggered))
	}
	if dec.ClearedAlert {
		rec := common.NewRecord(sm.Name(), "alert_cleared", map[string]interface{}{
			"metrics": toDetails(samples),
		})
		rec.Severity = common.SeverityLow
		sm.emit(rec)
		sm.logger.Info("resource alert cleared")
	}

	if !dec.Emit {
		sm.metrics.EventsSuppressed.WithLabelValues(sm.Name(), "cadence").Inc()
		return
	}

	rec := common.NewRecord(sm.Name(), "metrics_snapshot", toDetails(samples))
	if dec.InAlert {
		rec.Severity = common.SeverityMedium
	} else {
		rec.Severity = common.SeverityLow
	}
	sm.emit(rec)
}

func toDetails(samples map[string]float64) map[string]interface{} {
	details := make(map[string]interface{}, len(samples))
	for k, v := range samples {
		details[k] = v
	}
	return details
}

func (sm *SystemMonitor) emit(rec common.Record) {
	select {
	case sm.records <- rec:
		sm.metrics.EventsEmitted.WithLabelValues(sm.Name()).Inc()
	default:
		sm.metrics.EventsSuppressed.WithLabelValues(sm.Name(), "backpressure").Inc()
	}
}
