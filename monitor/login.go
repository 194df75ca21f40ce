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

// LoginConfig tunes the session monitor.
type LoginConfig struct {
	Interval time.Duration
	// Cooldown keyed by user and event kind; terminal multiplexers spawn
	// sessions in clusters that should read as one login.
	Cooldown time.Duration
}

// systemAccountMarkers flag service and virtual accounts whose session
// churn is not a human logging in.
var systemAccountMarkers = []string{
	"nt authority", "system", "local service", "network service",
	"anonymous logon", "window manager", "font driver host", "dwm",
	"umfd", "$",
}

func isSystemAccount(user string) bool {
	if user == "" {
		return true
	}
	lower := strings.ToLower(user)
	for _, marker := range systemAccountMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// LoginMonitor diffs session snapshots and reports logins and logouts.
type LoginMonitor struct {
	config  LoginConfig
	source  SessionSource
	clock   detect.Clock
	logger  *zap.Logger
	metrics *observability.Metrics

	running  atomic.Bool
	records  chan common.Record
	stopChan chan struct{}

	filter *detect.KeyedCooldownFilter
	known  map[string]Session
	primed bool
}

// NewLoginMonitor creates a session monitor over the given source.
func NewLoginMonitor(config LoginConfig, source SessionSource, clock detect.Clock, logger *zap.Logger, metrics *observability.Metrics) *LoginMonitor {
	if config.Interval == 0 {
		config.Interval = 5 * time.Second
	}
	if config.Cooldown == 0 {
		config.Cooldown = 5 * time.Second
	}
	return &LoginMonitor{
		config:  config,
		source:  source,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		records: make(chan common.Record, recordBuffer),
		filter:  detect.NewKeyedCooldownFilter(config.Cooldown, clock),
		known:   make(map[string]Session),
	}
}

func (lm *LoginMonitor) Name() string { return "login" }

// Start begins session monitoring in the background.
func (lm *LoginMonitor) Start() error {
	if !lm.running.CompareAndSwap(false, true) {
		return fmt.Errorf("login monitor is already running")
	}
	lm.stopChan = make(chan struct{})
	go lm.loop(lm.stopChan)
	return nil
}

// Stop halts session monitoring.
func (lm *LoginMonitor) Stop() error {
	if !lm.running.CompareAndSwap(true, false) {
		return fmt.Errorf("login monitor is not running")
	}
	close(lm.stopChan)
	return nil
}

// IsRunning returns whether the login monitor is active.
func (lm *LoginMonitor) IsRunning() bool { return lm.running.Load() }

// Records returns the channel of emitted records.
func (lm *LoginMonitor) Records() <-chan common.Record { return lm.records }

// loop polls until stopped. A panicking tick is logged and leaves the
// monitor marked dead so the supervisor can restart it.
func (lm *LoginMonitor) loop(stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			lm.logger.Error("login monitor panicked", zap.Any("panic", r))
		}
		lm.running.Store(false)
	}()

	ticker := time.NewTicker(lm.config.Interval)
	defer ticker.Stop()

	lm.tick()
	for {
		select {
		case <-ticker.C:
			lm.tick()
		case <-stop:
			return
		}
	}
}

func sessionKey(s Session) string {
	return s.User + "|" + s.TTY
}

func (lm *LoginMonitor) tick() {
	sessions, err := lm.source.Sessions()
	if err != nil {
		lm.logger.Warn("session snapshot failed", zap.Error(err))
		return
	}

	current := make(map[string]Session, len(sessions))
	for _, s := range sessions {
		if isSystemAccount(s.User) {
			continue
		}
		current[sessionKey(s)] = s
	}

	if !lm.primed {
		lm.known = current
		lm.primed = true
		return
	}

	for key, s := range current {
		if _, ok := lm.known[key]; ok {
			continue
		}
		lm.report(common.KindLogin, s)
	}
	for key, s := range lm.known {
		if _, ok := current[key]; ok {
			continue
		}
		lm.report(common.KindLogout, s)
	}

	lm.known = current
}

func (lm *LoginMonitor) report(kind common.Kind, s Session) {
	if !lm.filter.Allow(s.User + "|" + string(kind)) {
		lm.metrics.EventsSuppressed.WithLabelValues(lm.Name(), "cooldown").Inc()
		return
	}

	details := map[string]interface{}{
		"user": s.User,
		"tty":  s.TTY,
	}
	if s.Remote != "" {
		details["remote"] = s.Remote
	}
	if !s.LoginAt.IsZero() {
		details["login_at"] = s.LoginAt.UTC().Format(time.RFC3339)
	}

	rec := common.NewRecord(lm.Name(), string(kind), details)
	rec.UserIdentifier = s.User
	if s.Remote != "" && kind == common.KindLogin {
		rec.Severity = common.SeverityMedium
	} else {
		rec.Severity = common.SeverityLow
	}
	lm.emit(rec)
}

func (lm *LoginMonitor) emit(rec common.Record) {
	select {
	case lm.records <- rec:
		lm.metrics.EventsEmitted.WithLabelValues(lm.Name()).Inc()
	default:
		lm.metrics.EventsSuppressed.WithLabelValues(lm.Name(), "backpressure").Inc()
	}
}
