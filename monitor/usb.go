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

// USBConfig tunes the removable-drive monitor.
type USBConfig struct {
	Interval time.Duration
	// Bulk flags mass copies onto a drive: a burst of new files on one
	// volume collapses into a single exfiltration-shaped event.
	Bulk detect.BulkConfig
}

// ScanFunc walks one directory tree and returns its files.
type ScanFunc func(root string) ([]FileEntry, error)

// USBMonitor reports removable drives appearing and disappearing, takes
// a file inventory on connect, and watches connected drives for mass
// copies.
type USBMonitor struct {
	config  USBConfig
	lister  DriveLister
	scan    ScanFunc
	clock   detect.Clock
	logger  *zap.Logger
	metrics *observability.Metrics

	running  atomic.Bool
	records  chan common.Record
	stopChan chan struct{}

	bulk   *detect.BulkOperationDetector
	known  map[string]Drive
	files  map[string]map[string]struct{}
	primed bool
}

// NewUSBMonitor creates a drive monitor. scan may be nil to disable the
// inventory and mass-copy checks.
func NewUSBMonitor(config USBConfig, lister DriveLister, scan ScanFunc, clock detect.Clock, logger *zap.Logger, metrics *observability.Metrics) *USBMonitor {
	if config.Interval == 0 {
		config.Interval = time.Second
	}
	return &USBMonitor{
		config:  config,
		lister:  lister,
		scan:    scan,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		records: make(chan common.Record, recordBuffer),
		bulk:    detect.NewBulkOperationDetector(config.Bulk, clock),
		known:   make(map[string]Drive),
		files:   make(map[string]map[string]struct{}),
	}
}

func (um *USBMonitor) Name() string { return "usb" }

// Start begins drive monitoring in the background.
func (um *USBMonitor) Start() error {
	if !um.running.CompareAndSwap(false, true) {
		return fmt.Errorf("usb monitor is already running")
	}
	um.stopChan = make(chan struct{})
	go um.loop(um.stopChan)
	return nil
}

// Stop halts drive monitoring.
func (um *USBMonitor) Stop() error {
	if !um.running.CompareAndSwap(true, false) {
		return fmt.Errorf("usb monitor is not running")
	}
	close(um.stopChan)
	return nil
}

// IsRunning returns whether the usb monitor is active.
func (um *USBMonitor) IsRunning() bool { return um.running.Load() }

// Records returns the channel of emitted records.
func (um *USBMonitor) Records() <-chan common.Record { return um.records }

// loop polls until stopped. A panicking tick is logged and leaves the
// monitor marked dead so the supervisor can restart it.
func (um *USBMonitor) loop(stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			um.logger.Error("usb monitor panicked", zap.Any("panic", r))
		}
		um.running.Store(false)
	}()

	ticker := time.NewTicker(um.config.Interval)
	defer ticker.Stop()

	um.tick()
	for {
		select {
		case <-ticker.C:
			um.tick()
		case <-stop:
			return
		}
	}
}

func (um *USBMonitor) tick() {
	drives, err := um.lister.Drives()
	if err != nil {
		um.logger.Warn("drive snapshot failed", zap.Error(err))
		return
	}

	current := make(map[string]Drive, len(drives))
	for _, d := range drives {
		current[d.Device] = d
	}

	if !um.primed {
		um.known = current
		for _, d := range current {
			um.files[d.Device] = um.inventory(d)
		}
		um.primed = true
		return
	}

	for dev, d := range current {
		if _, ok := um.known[dev]; ok {
			continue
		}
		inv := um.inventory(d)
		um.files[dev] = inv
		rec := common.NewRecord(um.Name(), string(common.KindDeviceConnected), map[string]interface{}{
			"device":      d.Device,
			"mount_point": d.MountPoint,
			"label":       d.Label,
			"total_bytes": d.TotalBytes,
			"file_count":  len(inv),
		})
		rec.Severity = common.SeverityMedium
		um.emit(rec)
	}

	for dev, d := range um.known {
		if _, ok := current[dev]; ok {
			continue
		}
		delete(um.files, dev)
		rec := common.NewRecord(um.Name(), string(common.KindDeviceRemoved), map[string]interface{}{
			"device":      d.Device,
			"mount_point": d.MountPoint,
			"label":       d.Label,
		})
		rec.Severity = common.SeverityLow
		um.emit(rec)
	}

	um.watchCopies(current)
	um.known = current
}

// watchCopies rescans each connected drive and runs new files through
// the bulk detector scoped by device; only burst summaries are emitted,
// a single file landing on a stick is not an event.
func (um *USBMonitor) watchCopies(current map[string]Drive) {
	if um.scan == nil {
		return
	}
	for dev, d := range current {
		seen, ok := um.files[dev]
		if !ok {
			continue
		}
		entries, err := um.scan(d.MountPoint)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if _, known := seen[e.Path]; known {
				continue
			}
			seen[e.Path] = struct{}{}
			if bulkEvent, fired := um.bulk.Observe(dev, common.KindCreated, e.Path); fired {
				rec := common.NewRecord(um.Name(), "bulk_copy", map[string]interface{}{
					"device":       dev,
					"mount_point":  d.MountPoint,
					"file_count":   bulkEvent.Count,
					"sample_files": bulkEvent.SampleIdentities,
				})
				rec.Severity = common.SeverityHigh
				um.emit(rec)
				um.metrics.BulkEvents.WithLabelValues(um.Name()).Inc()
			}
		}
	}
}

func (um *USBMonitor) inventory(d Drive) map[string]struct{} {
	inv := make(map[string]struct{})
	if um.scan == nil {
		return inv
	}
	entries, err := um.scan(d.MountPoint)
	if err != nil {
		um.logger.Debug("drive inventory failed", zap.String("device", d.Device), zap.Error(err))
		return inv
	}
	for _, e := range entries {
		inv[e.Path] = struct{}{}
	}
	return inv
}

func (um *USBMonitor) emit(rec common.Record) {
	select {
	case um.records <- rec:
		um.metrics.EventsEmitted.WithLabelValues(um.Name()).Inc()
	default:
		um.metrics.EventsSuppressed.WithLabelValues(um.Name(), "backpressure").Inc()
	}
}
