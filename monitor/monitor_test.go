package monitor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sentinelops/sentinel-agent/common"
	"github.com/sentinelops/sentinel-agent/observability"
)

// fakeClock is a manually advanced clock for deterministic tick tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

func testLogger() *zap.Logger { return zap.NewNop() }

// drain collects every record currently buffered on ch.
func drain(ch <-chan common.Record) []common.Record {
	var recs []common.Record
	for {
		select {
		case rec := <-ch:
			recs = append(recs, rec)
		default:
			return recs
		}
	}
}

type fakeProcessLister struct {
	procs []Process
	err   error
}

func (f *fakeProcessLister) Processes() ([]Process, error) { return f.procs, f.err }

type fakeConnectionLister struct {
	conns []Connection
	err   error
}

func (f *fakeConnectionLister) Connections() ([]Connection, error) { return f.conns, f.err }

type staticResolver struct{}

func (staticResolver) Resolve(addr string) string { return addr }

type fakeScanner struct {
	entries []FileEntry
	err     error
}

func (f *fakeScanner) Scan() ([]FileEntry, error) { return f.entries, f.err }

type fakeMetricsSource struct {
	samples map[string]float64
	err     error
}

func (f *fakeMetricsSource) Sample() (map[string]float64, error) { return f.samples, f.err }

type fakeDriveLister struct {
	drives []Drive
	err    error
}

func (f *fakeDriveLister) Drives() ([]Drive, error) { return f.drives, f.err }

type fakeSessionSource struct {
	sessions []Session
	err      error
}

func (f *fakeSessionSource) Sessions() ([]Session, error) { return f.sessions, f.err }
