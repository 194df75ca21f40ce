package monitor

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelops/sentinel-agent/common"
	"github.com/sentinelops/sentinel-agent/detect"
	"github.com/sentinelops/sentinel-agent/observability"
)

// FilesystemConfig tunes the filesystem monitor.
type FilesystemConfig struct {
	Interval time.Duration
	// FileCooldown suppresses repeat create/delete events per path.
	FileCooldown time.Duration
	// ModifiedCooldown suppresses repeat modify events per path; editors
	// and log writers touch the same file constantly.
	ModifiedCooldown time.Duration
	// Bulk collapses bursts of same-kind events in one directory.
	Bulk detect.BulkConfig
}

// Size thresholds that add severity to file events.
const (
	largeFileBytes = 100 << 20 // 100 MiB
	hugeFileBytes  = 1 << 30   // 1 GiB
)

// sensitiveMarkers flag paths whose events warrant a closer look.
var sensitiveMarkers = []string{
	".ssh", "wallet", "password", "credential", "secret",
	"shadow", "id_rsa", ".kdbx", ".pem",
}

// executableExts are extensions that raise severity when they appear in
// scratch locations.
var executableExts = []string{
	".exe", ".dll", ".scr", ".bat", ".cmd", ".ps1", ".vbs", ".msi",
	".sh", ".bin",
}

// tempMarkers identify scratch directories where fresh executables are
// a classic staging pattern.
var tempMarkers = []string{
	"\\temp\\", "\\tmp\\", "/tmp/", "/var/tmp/", "appdata\\local\\temp",
	"downloads",
}

// ignoreMarkers match scratch artifacts whose churn carries no signal:
// editor swap files, partial downloads, the recycle bin.
// "~$" is the Office lock-file prefix; a bare tilde would swallow any
// path that merely contains one.
var ignoreMarkers = []string{
	".tmp", ".temp", ".swp", ".crdownload", ".partial", "~$", "$recycle.bin",
}

func ignoredPath(path string) bool {
	lower := strings.ToLower(path)
	for _, marker := range ignoreMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

type fileState struct {
	size    int64
	modTime time.Time
}

// FilesystemMonitor diffs filesystem snapshots of the monitored paths
// and reports creations, deletions, modifications and moves, collapsing
// bursts into bulk events.
type FilesystemMonitor struct {
	config  FilesystemConfig
	scanner Scanner
	clock   detect.Clock
	logger  *zap.Logger
	metrics *observability.Metrics

	running  atomic.Bool
	records  chan common.Record
	stopChan chan struct{}

	fileFilter     *detect.KeyedCooldownFilter
	modifiedFilter *detect.KeyedCooldownFilter
	bulk           *detect.BulkOperationDetector
	known          map[string]fileState
	primed         bool
}

// NewFilesystemMonitor creates a filesystem monitor over the given scanner.
func NewFilesystemMonitor(config FilesystemConfig, scanner Scanner, clock detect.Clock, logger *zap.Logger, metrics *observability.Metrics) *FilesystemMonitor {
	if config.Interval == 0 {
		config.Interval = time.Second
	}
	if config.FileCooldown == 0 {
		config.FileCooldown = 5 * time.Second
	}
	if config.ModifiedCooldown == 0 {
		config.ModifiedCooldown = 5 * time.Minute
	}
	return &FilesystemMonitor{
		config:         config,
		scanner:        scanner,
		clock:          clock,
		logger:         logger,
		metrics:        metrics,
		records:        make(chan common.Record, recordBuffer),
		fileFilter:     detect.NewKeyedCooldownFilter(config.FileCooldown, clock),
		modifiedFilter: detect.NewKeyedCooldownFilter(config.ModifiedCooldown, clock),
		bulk:           detect.NewBulkOperationDetector(config.Bulk, clock),
		known:          make(map[string]fileState),
	}
}

func (fm *FilesystemMonitor) Name() string { return "filesystem" }

// Start begins filesystem monitoring in the background.
func (fm *FilesystemMonitor) Start() error {
	if !fm.running.CompareAndSwap(false, true) {
		return fmt.Errorf("filesystem monitor is already running")
	}
	fm.stopChan = make(chan struct{})
	go fm.loop(fm.stopChan)
	return nil
}

// Stop halts filesystem monitoring.
func (fm *FilesystemMonitor) Stop() error {
	if !fm.running.CompareAndSwap(true, false) {
		return fmt.Errorf("filesystem monitor is not running")
	}
	close(fm.stopChan)
	return nil
}

// IsRunning returns whether the filesystem monitor is active.
func (fm *FilesystemMonitor) IsRunning() bool { return fm.running.Load() }

// Records returns the channel of emitted records.
func (fm *FilesystemMonitor) Records() <-chan common.Record { return fm.records }

// loop polls until stopped. A panicking tick is logged and leaves the
// monitor marked dead so the supervisor can restart it.
func (fm *FilesystemMonitor) loop(stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			fm.logger.Error("filesystem monitor panicked", zap.Any("panic", r))
		}
		fm.running.Store(false)
	}()

	ticker := time.NewTicker(fm.config.Interval)
	defer ticker.Stop()

	fm.tick()
	for {
		select {
		case <-ticker.C:
			fm.tick()
		case <-stop:
			return
		}
	}
}

type fileChange struct {
	path  string
	state fileState
}

// tick takes one snapshot and emits the diff. The first snapshot primes
// the baseline without emitting.
func (fm *FilesystemMonitor) tick() {
	entries, err := fm.scanner.Scan()
	if err != nil {
		fm.logger.Warn("filesystem snapshot failed", zap.Error(err))
		return
	}

	current := make(map[string]fileState, len(entries))
	for _, e := range entries {
		if ignoredPath(e.Path) {
			continue
		}
		current[e.Path] = fileState{size: e.Size, modTime: e.ModTime}
	}

	if !fm.primed {
		fm.known = current
		fm.primed = true
		return
	}

	var created, deleted, modified []fileChange
	for path, st := range current {
		old, ok := fm.known[path]
		switch {
		case !ok:
			created = append(created, fileChange{path, st})
		case st.modTime.After(old.modTime) || st.size != old.size:
			modified = append(modified, fileChange{path, st})
		}
	}
	for path, st := range fm.known {
		if _, ok := current[path]; !ok {
			deleted = append(deleted, fileChange{path, st})
		}
	}

	created, deleted = fm.detectMoves(created, deleted)

	for _, c := range created {
		fm.handleChange(common.KindCreated, c)
	}
	for _, d := range deleted {
		fm.handleChange(common.KindDeleted, d)
	}
	for _, m := range modified {
		fm.handleChange(common.KindModified, m)
	}

	fm.known = current
}

// detectMoves pairs a deletion and a creation with the same basename and
// size seen in the same tick, reporting them as one move instead of two
// events. Remaining changes are returned for normal handling.
func (fm *FilesystemMonitor) detectMoves(created, deleted []fileChange) ([]fileChange, []fileChange) {
	type sig struct {
		base string
		size int64
	}
	delBySig := make(map[sig]int)
	for i, d := range deleted {
		delBySig[sig{filepath.Base(d.path), d.state.size}] = i
	}

	var restCreated []fileChange
	usedDel := make(map[int]bool)
	for _, c := range created {
		s := sig{filepath.Base(c.path), c.state.size}
		if i, ok := delBySig[s]; ok && !usedDel[i] {
			usedDel[i] = true
			rec := common.NewRecord(fm.Name(), string(common.KindMoved), map[string]interface{}{
				"path":      c.path,
				"from_path": deleted[i].path,
				"size":      c.state.size,
			})
			rec.Severity = fm.severityFor(c.path, c.state.size)
			fm.emit(rec)
			continue
		}
		restCreated = append(restCreated, c)
	}

	var restDeleted []fileChange
	for i, d := range deleted {
		if !usedDel[i] {
			restDeleted = append(restDeleted, d)
		}
	}
	return restCreated, restDeleted
}

// handleChange runs one create/modify/delete through the bulk detector
// first, then the per-path cooldown. During a burst the bulk summary is
// the only record a directory produces; a mass encrypt is a modification
// burst, so modified events take the same path.
func (fm *FilesystemMonitor) handleChange(kind common.Kind, c fileChange) {
	obs := common.Observation{
		Key:       c.path,
		Scope:     filepath.Dir(c.path),
		Kind:      kind,
		Timestamp: fm.clock.Now(),
	}

	if bulkEvent, fired := fm.bulk.Observe(obs.Scope, obs.Kind, obs.Key); fired {
		rec := common.NewRecord(fm.Name(), "bulk_"+string(kind), map[string]interface{}{
			"directory":    bulkEvent.Scope,
			"file_count":   bulkEvent.Count,
			"sample_files": bulkEvent.SampleIdentities,
		})
		rec.Severity = common.SeverityMedium
		fm.emit(rec)
		fm.metrics.BulkEvents.WithLabelValues(fm.Name()).Inc()
		return
	}
	if fm.bulk.ShouldSuppressIndividual(obs.Scope, obs.Kind) {
		fm.metrics.EventsSuppressed.WithLabelValues(fm.Name(), "bulk").Inc()
		return
	}

	filter, key := fm.fileFilter, string(obs.Kind)+"|"+obs.Key
	if kind == common.KindModified {
		filter, key = fm.modifiedFilter, obs.Key
	}
	if !filter.Allow(key) {
		fm.metrics.EventsSuppressed.WithLabelValues(fm.Name(), "cooldown").Inc()
		return
	}
	fm.emit(fm.fileRecord(kind, c))
}

func (fm *FilesystemMonitor) fileRecord(kind common.Kind, c fileChange) common.Record {
	details := map[string]interface{}{
		"path": c.path,
		"size": c.state.size,
	}
	if c.state.size >= hugeFileBytes {
		details["size_flag"] = "huge"
	} else if c.state.size >= largeFileBytes {
		details["size_flag"] = "large"
	}
	if isSensitivePath(c.path) {
		details["sensitive"] = true
	}

	rec := common.NewRecord(fm.Name(), string(kind), details)
	rec.Severity = fm.severityFor(c.path, c.state.size)
	return rec
}

// severityFor grades a file event. Executables landing in scratch
// directories and anything touching sensitive paths stand out; sheer
// size alone is only a medium signal.
func (fm *FilesystemMonitor) severityFor(path string, size int64) string {
	lower := strings.ToLower(path)

	if isSensitivePath(path) {
		return common.SeverityHigh
	}
	if hasExecutableExt(lower) && inTempLocation(lower) {
		return common.SeverityHigh
	}
	if size >= hugeFileBytes {
		return common.SeverityMedium
	}
	return common.SeverityLow
}

func isSensitivePath(path string) bool {
	lower := strings.ToLower(path)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func hasExecutableExt(lowerPath string) bool {
	ext := filepath.Ext(lowerPath)
	for _, e := range executableExts {
		if ext == e {
			return true
		}
	}
	return false
}

func inTempLocation(lowerPath string) bool {
	for _, marker := range tempMarkers {
		if strings.Contains(lowerPath, marker) {
			return true
		}
	}
	return false
}

func (fm *FilesystemMonitor) emit(rec common.Record) {
	select {
	case fm.records <- rec:
		fm.metrics.EventsEmitted.WithLabelValues(fm.Name()).Inc()
	default:
		fm.metrics.EventsSuppressed.WithLabelValues(fm.Name(), "backpressure").Inc()
	}
}
