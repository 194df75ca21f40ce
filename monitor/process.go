package monitor

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelops/sentinel-agent/common"
	"github.com/sentinelops/sentinel-agent/detect"
	"github.com/sentinelops/sentinel-agent/observability"
)

// ProcessConfig tunes the process monitor.
type ProcessConfig struct {
	Interval time.Duration
	// Cooldown suppresses repeat start events for the same executable.
	// Short-lived workers respawning in a loop would otherwise flood
	// the store.
	Cooldown time.Duration
}

// systemProcesses are OS housekeeping processes that churn constantly
// and carry no signal. Names are matched case-insensitively.
var systemProcesses = map[string]struct{}{
	"svchost.exe": {}, "services.exe": {}, "csrss.exe": {}, "smss.exe": {},
	"lsass.exe": {}, "winlogon.exe": {}, "spoolsv.exe": {}, "wininit.exe": {},
	"system": {}, "registry": {}, "fontdrvhost.exe": {}, "dwm.exe": {},
	"ctfmon.exe": {}, "conhost.exe": {}, "runtimebroker.exe": {},
	"taskhostw.exe": {}, "explorer.exe": {}, "searchhost.exe": {},
	"searchindexer.exe": {}, "shellexperiencehost.exe": {},
	"startmenuexperiencehost.exe": {}, "applicationframehost.exe": {},
	"textinputhost.exe": {}, "sihost.exe": {}, "securityhealthservice.exe": {},
	"searchprotocolhost.exe": {}, "dllhost.exe": {}, "wmiprvse.exe": {},
	"memory compression": {}, "idle": {}, "system idle process": {},
	"secure system": {},
}

func isSystemProcess(name string) bool {
	if name == "" {
		return true
	}
	lower := strings.ToLower(name)
	if _, ok := systemProcesses[lower]; ok {
		return true
	}
	return strings.Contains(lower, "system32") ||
		strings.Contains(lower, "windows") ||
		strings.Contains(lower, "microsoft")
}

// ProcessMonitor diffs process snapshots and reports starts and exits.
type ProcessMonitor struct {
	config  ProcessConfig
	lister  ProcessLister
	clock   detect.Clock
	logger  *zap.Logger
	metrics *observability.Metrics

	running  atomic.Bool
	records  chan common.Record
	stopChan chan struct{}

	startFilter *detect.KeyedCooldownFilter
	known       map[int]Process
	primed      bool
}

// NewProcessMonitor creates a process monitor over the given lister.
func NewProcessMonitor(config ProcessConfig, lister ProcessLister, clock detect.Clock, logger *zap.Logger, metrics *observability.Metrics) *ProcessMonitor {
	if config.Interval == 0 {
		config.Interval = time.Second
	}
	if config.Cooldown == 0 {
		config.Cooldown = 30 * time.Second
	}
	return &ProcessMonitor{
		config:      config,
		lister:      lister,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
		records:     make(chan common.Record, recordBuffer),
		startFilter: detect.NewKeyedCooldownFilter(config.Cooldown, clock),
		known:       make(map[int]Process),
	}
}

func (pm *ProcessMonitor) Name() string { return "process" }

// Start begins process monitoring in the background.
func (pm *ProcessMonitor) Start() error {
	if !pm.running.CompareAndSwap(false, true) {
		return fmt.Errorf("process monitor is already running")
	}
	pm.stopChan = make(chan struct{})
	go pm.loop(pm.stopChan)
	return nil
}

// Stop halts process monitoring.
func (pm *ProcessMonitor) Stop() error {
	if !pm.running.CompareAndSwap(true, false) {
		return fmt.Errorf("process monitor is not running")
	}
	close(pm.stopChan)
	return nil
}

// IsRunning returns whether the process monitor is active.
func (pm *ProcessMonitor) IsRunning() bool { return pm.running.Load() }

// Records returns the channel of emitted records.
func (pm *ProcessMonitor) Records() <-chan common.Record { return pm.records }

// loop polls until stopped. A panicking tick is logged and leaves the
// monitor marked dead so the supervisor can restart it.
func (pm *ProcessMonitor) loop(stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			pm.logger.Error("process monitor panicked", zap.Any("panic", r))
		}
		pm.running.Store(false)
	}()

	ticker := time.NewTicker(pm.config.Interval)
	defer ticker.Stop()

	pm.tick()
	for {
		select {
		case <-ticker.C:
			pm.tick()
		case <-stop:
			return
		}
	}
}

// tick takes one snapshot and emits the diff against the previous one.
// The first snapshot only primes the baseline; processes already running
// when the agent starts are not "started" events.
func (pm *ProcessMonitor) tick() {
	procs, err := pm.lister.Processes()
	if err != nil {
		pm.logger.Warn("process snapshot failed", zap.Error(err))
		return
	}

	// System processes never enter the known set, so neither their
	// starts nor their exits are reported.
	current := make(map[int]Process, len(procs))
	for _, p := range procs {
		if isSystemProcess(p.Name) {
			continue
		}
		current[p.PID] = p
	}

	if !pm.primed {
		pm.known = current
		pm.primed = true
		return
	}

	for pid, p := range current {
		if _, ok := pm.known[pid]; ok {
			continue
		}
		key := p.Name + "|" + p.Cmdline
		if !pm.startFilter.Allow(key) {
			pm.metrics.EventsSuppressed.WithLabelValues(pm.Name(), "cooldown").Inc()
			continue
		}
		rec := common.NewRecord(pm.Name(), string(common.KindProcessStarted), map[string]interface{}{
			"name":     p.Name,
			"cmdline":  p.Cmdline,
			"username": p.Username,
		})
		rec.PID = pid
		rec.Severity = common.SeverityLow
		pm.emit(rec)
	}

	for pid, p := range pm.known {
		if _, ok := current[pid]; ok {
			continue
		}
		rec := common.NewRecord(pm.Name(), string(common.KindProcessStopped), map[string]interface{}{
			"name":    p.Name,
			"cmdline": p.Cmdline,
		})
		rec.PID = pid
		rec.Severity = common.SeverityLow
		pm.emit(rec)
	}

	pm.known = current
}

func (pm *ProcessMonitor) emit(rec common.Record) {
	select {
	case pm.records <- rec:
		pm.metrics.EventsEmitted.WithLabelValues(pm.Name()).Inc()
	default:
		pm.metrics.EventsSuppressed.WithLabelValues(pm.Name(), "backpressure").Inc()
	}
}
