// Package scheduler runs the agent's periodic housekeeping jobs:
// heartbeats, sink health checks, anything that is not a monitor.
package scheduler

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// JobFunc is one periodic task. Errors are logged, not fatal; the job
// stays scheduled.
type JobFunc func() error

// job is one scheduled entry.
type job struct {
	name     string
	interval time.Duration
	fn       JobFunc

	mu      sync.Mutex
	lastRun time.Time
	nextRun time.Time
}

// Snapshot describes a job for the status API.
type Snapshot struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	LastRun  time.Time     `json:"last_run"`
	NextRun  time.Time     `json:"next_run"`
}

// Scheduler runs registered jobs at their intervals. Jobs execute on
// their own goroutines so a slow job cannot delay the others.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.RWMutex
	jobs    []*job
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// tick is how often due jobs are checked; short enough that small
	// intervals fire close to on time.
	tick time.Duration
}

// New creates an empty scheduler.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		stopCh: make(chan struct{}),
		tick:   time.Second,
	}
}

// Add registers a job to run every interval, starting one interval from
// scheduler start.
func (s *Scheduler) Add(name string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		return errors.New("job interval must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{name: name, interval: interval, fn: fn})
	return nil
}

// Start begins the scheduling loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler is already running")
	}
	s.running = true

	now := time.Now()
	for _, j := range s.jobs {
		j.nextRun = now.Add(j.interval)
	}

	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop halts the scheduling loop; running jobs finish on their own.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errors.New("scheduler is not running")
	}
	close(s.stopCh)
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// IsRunning returns whether the scheduling loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Jobs returns a snapshot of the scheduled jobs.
func (s *Scheduler) Jobs() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		snaps = append(snaps, Snapshot{
			Name:     j.name,
			Interval: j.interval,
			LastRun:  j.lastRun,
			NextRun:  j.nextRun,
		})
		j.mu.Unlock()
	}
	return snaps
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.runDue(now)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) runDue(now time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, j := range s.jobs {
		j.mu.Lock()
		due := !now.Before(j.nextRun)
		if due {
			j.lastRun = now
			j.nextRun = now.Add(j.interval)
		}
		j.mu.Unlock()

		if due {
			go s.execute(j)
		}
	}
}

// execute runs one job, converting a panic into a logged error so a bad
// job cannot take the loop down.
func (s *Scheduler) execute(j *job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", zap.String("job", j.name), zap.Any("panic", r))
		}
	}()

	if err := j.fn(); err != nil {
		s.logger.Warn("job failed", zap.String("job", j.name), zap.Error(err))
	}
}
