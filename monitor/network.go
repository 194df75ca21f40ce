package monitor

import (
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelops/sentinel-agent/common"
	"github.com/sentinelops/sentinel-agent/detect"
	"github.com/sentinelops/sentinel-agent/observability"
)

// NetworkConfig tunes the network monitor.
type NetworkConfig struct {
	Interval time.Duration
	// Cooldown keyed by pid and remote address; reconnect storms to the
	// same peer collapse into one record per window.
	Cooldown time.Duration
}

// ignoredConnectionOwners are processes whose connections are noise:
// browsers (their activity is covered by the history monitor) and core
// OS services. Matched case-insensitively on process name.
var ignoredConnectionOwners = map[string]struct{}{
	"chrome.exe": {}, "msedge.exe": {}, "firefox.exe": {}, "opera.exe": {},
	"brave.exe": {}, "iexplore.exe": {}, "chromium.exe": {},
	"svchost.exe": {}, "lsass.exe": {}, "system": {}, "services.exe": {},
	"wininit.exe": {}, "csrss.exe": {}, "spoolsv.exe": {},
}

func ignoredConnection(c Connection) bool {
	_, ok := ignoredConnectionOwners[strings.ToLower(c.ProcessName)]
	return ok
}

// NetworkMonitor diffs connection snapshots and reports opened and
// closed connections with reverse-resolved peer names.
type NetworkMonitor struct {
	config   NetworkConfig
	lister   ConnectionLister
	resolver Resolver
	clock    detect.Clock
	logger   *zap.Logger
	metrics  *observability.Metrics

	running  atomic.Bool
	records  chan common.Record
	stopChan chan struct{}

	openFilter *detect.KeyedCooldownFilter
	known      map[string]Connection
	primed     bool
}

// NewNetworkMonitor creates a network monitor over the given lister.
func NewNetworkMonitor(config NetworkConfig, lister ConnectionLister, resolver Resolver, clock detect.Clock, logger *zap.Logger, metrics *observability.Metrics) *NetworkMonitor {
	if config.Interval == 0 {
		config.Interval = time.Second
	}
	if config.Cooldown == 0 {
		config.Cooldown = 60 * time.Second
	}
	return &NetworkMonitor{
		config:     config,
		lister:     lister,
		resolver:   resolver,
		clock:      clock,
		logger:     logger,
		metrics:    metrics,
		records:    make(chan common.Record, recordBuffer),
		openFilter: detect.NewKeyedCooldownFilter(config.Cooldown, clock),
		known:      make(map[string]Connection),
	}
}

func (nm *NetworkMonitor) Name() string { return "network" }

// Start begins network monitoring in the background.
func (nm *NetworkMonitor) Start() error {
	if !nm.running.CompareAndSwap(false, true) {
		return fmt.Errorf("network monitor is already running")
	}
	nm.stopChan = make(chan struct{})
	go nm.loop(nm.stopChan)
	return nil
}

// Stop halts network monitoring.
func (nm *NetworkMonitor) Stop() error {
	if !nm.running.CompareAndSwap(true, false) {
		return fmt.Errorf("network monitor is not running")
	}
	close(nm.stopChan)
	return nil
}

// IsRunning returns whether the network monitor is active.
func (nm *NetworkMonitor) IsRunning() bool { return nm.running.Load() }

// Records returns the channel of emitted records.
func (nm *NetworkMonitor) Records() <-chan common.Record { return nm.records }

// loop polls until stopped. A panicking tick is logged and leaves the
// monitor marked dead so the supervisor can restart it.
func (nm *NetworkMonitor) loop(stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			nm.logger.Error("network monitor panicked", zap.Any("panic", r))
		}
		nm.running.Store(false)
	}()

	ticker := time.NewTicker(nm.config.Interval)
	defer ticker.Stop()

	nm.tick()
	for {
		select {
		case <-ticker.C:
			nm.tick()
		case <-stop:
			return
		}
	}
}

func connKey(c Connection) string {
	return fmt.Sprintf("%d|%s", c.PID, c.RemoteAddr)
}

func (nm *NetworkMonitor) tick() {
	conns, err := nm.lister.Connections()
	if err != nil {
		nm.logger.Warn("connection snapshot failed", zap.Error(err))
		return
	}

	current := make(map[string]Connection, len(conns))
	for _, c := range conns {
		if ignoredConnection(c) {
			continue
		}
		current[connKey(c)] = c
	}

	if !nm.primed {
		nm.known = current
		nm.primed = true
		return
	}

	for key, c := range current {
		if _, ok := nm.known[key]; ok {
			continue
		}
		if !nm.openFilter.Allow(key) {
			nm.metrics.EventsSuppressed.WithLabelValues(nm.Name(), "cooldown").Inc()
			continue
		}
		rec := common.NewRecord(nm.Name(), string(common.KindConnectionOpened), map[string]interface{}{
			"process_name": c.ProcessName,
			"local_addr":   c.LocalAddr,
			"remote_addr":  c.RemoteAddr,
			"remote_host":  nm.resolver.Resolve(c.RemoteAddr),
			"state":        c.State,
		})
		rec.PID = c.PID
		rec.Severity = common.SeverityLow
		nm.emit(rec)
	}

	for key, c := range nm.known {
		if _, ok := current[key]; ok {
			continue
		}
		rec := common.NewRecord(nm.Name(), string(common.KindConnectionClosed), map[string]interface{}{
			"process_name": c.ProcessName,
			"local_addr":   c.LocalAddr,
			"remote_addr":  c.RemoteAddr,
		})
		rec.PID = c.PID
		rec.Severity = common.SeverityLow
		nm.emit(rec)
	}

	nm.known = current
}

func (nm *NetworkMonitor) emit(rec common.Record) {
	select {
	case nm.records <- rec:
		nm.metrics.EventsEmitted.WithLabelValues(nm.Name()).Inc()
	default:
		nm.metrics.EventsSuppressed.WithLabelValues(nm.Name(), "backpressure").Inc()
	}
}

// CachingResolver reverse-resolves addresses with a small bounded cache.
// Resolution failures are cached too so a dead PTR zone does not stall
// every tick.
type CachingResolver struct {
	cache   map[string]string
	order   []string
	maxSize int
	lookup  func(addr string) ([]string, error)
}

// NewCachingResolver creates a resolver holding at most maxSize entries.
func NewCachingResolver(maxSize int) *CachingResolver {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &CachingResolver{
		cache:   make(map[string]string),
		maxSize: maxSize,
		lookup:  net.LookupAddr,
	}
}

// Resolve returns the hostname for addr (which may carry a port), or the
// bare IP when resolution fails.
func (r *CachingResolver) Resolve(addr string) string {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	if name, ok := r.cache[host]; ok {
		return name
	}

	name := host
	if names, err := r.lookup(host); err == nil && len(names) > 0 {
		name = strings.TrimSuffix(names[0], ".")
	}

	// Evict the oldest entry once the cache is full.
	if len(r.cache) >= r.maxSize {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.cache, oldest)
	}
	r.cache[host] = name
	r.order = append(r.order, host)

	return name
}
