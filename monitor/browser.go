package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelops/sentinel-agent/common"
	"github.com/sentinelops/sentinel-agent/detect"
	"github.com/sentinelops/sentinel-agent/history"
	"github.com/sentinelops/sentinel-agent/observability"
)

// BrowserConfig tunes the browser-history monitor.
type BrowserConfig struct {
	Interval time.Duration
	// Cooldown keyed by browser and URL; a page reloaded in a loop is
	// one visit.
	Cooldown time.Duration
}

// historySource is satisfied by *history.Reader.
type historySource interface {
	VisitsSince(ctx context.Context, since time.Time) ([]history.Visit, error)
}

// BrowserMonitor polls browser history databases and reports new visits.
type BrowserMonitor struct {
	config  BrowserConfig
	source  historySource
	clock   detect.Clock
	logger  *zap.Logger
	metrics *observability.Metrics

	running  atomic.Bool
	records  chan common.Record
	stopChan chan struct{}

	filter    *detect.KeyedCooldownFilter
	watermark time.Time
}

// NewBrowserMonitor creates a browser monitor over the given reader.
func NewBrowserMonitor(config BrowserConfig, source historySource, clock detect.Clock, logger *zap.Logger, metrics *observability.Metrics) *BrowserMonitor {
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}
	if config.Cooldown == 0 {
		config.Cooldown = 5 * time.Minute
	}
	return &BrowserMonitor{
		config:    config,
		source:    source,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
		records:   make(chan common.Record, recordBuffer),
		filter:    detect.NewKeyedCooldownFilter(config.Cooldown, clock),
		watermark: clock.Now(),
	}
}

func (bm *BrowserMonitor) Name() string { return "browser" }

// Start begins history polling in the background.
func (bm *BrowserMonitor) Start() error {
	if !bm.running.CompareAndSwap(false, true) {
		return fmt.Errorf("browser monitor is already running")
	}
	bm.stopChan = make(chan struct{})
	go bm.loop(bm.stopChan)
	return nil
}

// Stop halts history polling.
func (bm *BrowserMonitor) Stop() error {
	if !bm.running.CompareAndSwap(true, false) {
		return fmt.Errorf("browser monitor is not running")
	}
	close(bm.stopChan)
	return nil
}

// IsRunning returns whether the browser monitor is active.
func (bm *BrowserMonitor) IsRunning() bool { return bm.running.Load() }

// Records returns the channel of emitted records.
func (bm *BrowserMonitor) Records() <-chan common.Record { return bm.records }

// loop polls until stopped. A panicking tick is logged and leaves the
// monitor marked dead so the supervisor can restart it.
func (bm *BrowserMonitor) loop(stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			bm.logger.Error("browser monitor panicked", zap.Any("panic", r))
		}
		bm.running.Store(false)
	}()

	ticker := time.NewTicker(bm.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			bm.tick()
		case <-stop:
			return
		}
	}
}

// tick reads visits newer than the watermark. The watermark only
// advances to the newest visit actually seen, so a slow poll cannot
// skip rows committed between reads.
func (bm *BrowserMonitor) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), bm.config.Interval)
	defer cancel()

	visits, err := bm.source.VisitsSince(ctx, bm.watermark)
	if err != nil {
		bm.logger.Warn("history read failed", zap.Error(err))
	}

	for _, v := range visits {
		if v.VisitedAt.After(bm.watermark) {
			bm.watermark = v.VisitedAt
		}
		if !bm.filter.Allow(v.Browser + "|" + v.URL) {
			bm.metrics.EventsSuppressed.WithLabelValues(bm.Name(), "cooldown").Inc()
			continue
		}
		rec := common.NewRecord(bm.Name(), string(common.KindURLVisited), map[string]interface{}{
			"browser":    v.Browser,
			"url":        v.URL,
			"title":      v.Title,
			"visited_at": v.VisitedAt.UTC().Format(time.RFC3339),
		})
		rec.Severity = common.SeverityLow
		bm.emit(rec)
	}
}

func (bm *BrowserMonitor) emit(rec common.Record) {
	select {
	case bm.records <- rec:
		bm.metrics.EventsEmitted.WithLabelValues(bm.Name()).Inc()
	default:
		bm.metrics.EventsSuppressed.WithLabelValues(bm.Name(), "backpressure").Inc()
	}
}
