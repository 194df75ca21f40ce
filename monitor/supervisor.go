package monitor

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelops/sentinel-agent/observability"
)

// SupervisorConfig tunes the monitor supervisor.
type SupervisorConfig struct {
	// CheckInterval is how often monitor health is inspected.
	CheckInterval time.Duration
	// StatusInterval is how often a summary status line is logged.
	StatusInterval time.Duration
	// RestartBackoff is the gap required before the first restart of a
	// monitor. It doubles on every consecutive restart, up to
	// maxRestartBackoff, and resets once the monitor survives a full
	// backoff period.
	RestartBackoff time.Duration
}

const maxRestartBackoff = 5 * time.Minute

// Supervisor keeps a set of monitors running, restarting any that die
// and logging a periodic status line.
type Supervisor struct {
	config   SupervisorConfig
	monitors []Monitor
	logger   *zap.Logger
	metrics  *observability.Metrics

	running     atomic.Bool
	stopChan    chan struct{}
	lastRestart map[string]time.Time
	backoff     map[string]time.Duration
}

// NewSupervisor creates a supervisor over the given monitors.
func NewSupervisor(config SupervisorConfig, monitors []Monitor, logger *zap.Logger, metrics *observability.Metrics) *Supervisor {
	if config.CheckInterval == 0 {
		config.CheckInterval = 5 * time.Second
	}
	if config.StatusInterval == 0 {
		config.StatusInterval = 60 * time.Second
	}
	if config.RestartBackoff == 0 {
		config.RestartBackoff = 10 * time.Second
	}
	return &Supervisor{
		config:      config,
		monitors:    monitors,
		logger:      logger,
		metrics:     metrics,
		lastRestart: make(map[string]time.Time),
		backoff:     make(map[string]time.Duration),
	}
}

// Start launches every monitor and the supervision loop. Monitors that
// fail to start are left to the loop to retry.
func (s *Supervisor) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("supervisor is already running")
	}
	s.stopChan = make(chan struct{})

	for _, m := range s.monitors {
		if err := m.Start(); err != nil {
			s.logger.Error("monitor failed to start", zap.String("monitor", m.Name()), zap.Error(err))
			s.metrics.MonitorUp.WithLabelValues(m.Name()).Set(0)
			continue
		}
		s.metrics.MonitorUp.WithLabelValues(m.Name()).Set(1)
		s.logger.Info("monitor started", zap.String("monitor", m.Name()))
	}

	go s.loop(s.stopChan)
	return nil
}

// Stop halts supervision and every monitor.
func (s *Supervisor) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return fmt.Errorf("supervisor is not running")
	}
	close(s.stopChan)

	for _, m := range s.monitors {
		if !m.IsRunning() {
			continue
		}
		if err := m.Stop(); err != nil {
			s.logger.Warn("monitor failed to stop", zap.String("monitor", m.Name()), zap.Error(err))
		}
		s.metrics.MonitorUp.WithLabelValues(m.Name()).Set(0)
	}
	return nil
}

// IsRunning returns whether supervision is active.
func (s *Supervisor) IsRunning() bool { return s.running.Load() }

// Monitors returns the supervised set.
func (s *Supervisor) Monitors() []Monitor { return s.monitors }

func (s *Supervisor) loop(stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("supervisor panicked", zap.Any("panic", r))
		}
		s.running.Store(false)
	}()

	checkTicker := time.NewTicker(s.config.CheckInterval)
	defer checkTicker.Stop()
	statusTicker := time.NewTicker(s.config.StatusInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-checkTicker.C:
			s.checkHealth(time.Now())
		case <-statusTicker.C:
			s.logStatus()
		case <-stop:
			return
		}
	}
}

// checkHealth restarts monitors that stopped without being asked to.
// Each consecutive restart of a monitor doubles its backoff so a crash
// loop cannot spin; surviving a full backoff period resets it.
func (s *Supervisor) checkHealth(now time.Time) {
	for _, m := range s.monitors {
		name := m.Name()

		if m.IsRunning() {
			if last, ok := s.lastRestart[name]; ok && now.Sub(last) >= s.backoffFor(name) {
				delete(s.lastRestart, name)
				delete(s.backoff, name)
			}
			continue
		}

		if last, ok := s.lastRestart[name]; ok && now.Sub(last) < s.backoffFor(name) {
			continue
		}

		s.lastRestart[name] = now
		next := s.backoffFor(name) * 2
		if next > maxRestartBackoff {
			next = maxRestartBackoff
		}
		s.backoff[name] = next

		s.logger.Warn("monitor died, restarting",
			zap.String("monitor", name),
			zap.Duration("next_backoff", next))
		if err := m.Start(); err != nil {
			s.logger.Error("monitor restart failed", zap.String("monitor", name), zap.Error(err))
			s.metrics.MonitorUp.WithLabelValues(name).Set(0)
			continue
		}
		s.metrics.MonitorRestarts.WithLabelValues(name).Inc()
		s.metrics.MonitorUp.WithLabelValues(name).Set(1)
	}
}

func (s *Supervisor) backoffFor(name string) time.Duration {
	if d, ok := s.backoff[name]; ok {
		return d
	}
	return s.config.RestartBackoff
}

func (s *Supervisor) logStatus() {
	runningCount := 0
	var stopped []string
	for _, m := range s.monitors {
		if m.IsRunning() {
			runningCount++
		} else {
			stopped = append(stopped, m.Name())
		}
	}
	s.logger.Info("monitor status",
		zap.Int("running", runningCount),
		zap.Int("total", len(s.monitors)),
		zap.Strings("stopped", stopped))
}
