package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/sentinelops/sentinel-agent/common"
	"github.com/sentinelops/sentinel-agent/history"
)

type fakeHistory struct {
	visits []history.Visit
	err    error
	since  time.Time
}

func (f *fakeHistory) VisitsSince(_ context.Context, since time.Time) ([]history.Visit, error) {
	f.since = since
	var out []history.Visit
	for _, v := range f.visits {
		if v.VisitedAt.After(since) {
			out = append(out, v)
		}
	}
	return out, f.err
}

func newTestBrowserMonitor(source *fakeHistory, clock *fakeClock) *BrowserMonitor {
	return NewBrowserMonitor(BrowserConfig{
		Interval: 30 * time.Second,
		Cooldown: 5 * time.Minute,
	}, source, clock, testLogger(), newTestMetrics())
}

func TestBrowserMonitorReportsNewVisits(t *testing.T) {
	clock := newFakeClock()
	source := &fakeHistory{}
	bm := newTestBrowserMonitor(source, clock)

	clock.Advance(time.Minute)
	source.visits = []history.Visit{
		{Browser: "chrome", URL: "https://example.com", Title: "Example", VisitedAt: clock.Now()},
	}
	bm.tick()

	recs := drain(bm.Records())
	if len(recs) != 1 || recs[0].EventType != string(common.KindURLVisited) {
		t.Fatalf("expected one visit record, got %+v", recs)
	}
	if recs[0].Details["url"] != "https://example.com" || recs[0].Details["browser"] != "chrome" {
		t.Errorf("Details = %v", recs[0].Details)
	}
}

func TestBrowserMonitorWatermarkAdvances(t *testing.T) {
	clock := newFakeClock()
	source := &fakeHistory{}
	bm := newTestBrowserMonitor(source, clock)

	clock.Advance(time.Minute)
	visitAt := clock.Now()
	source.visits = []history.Visit{
		{Browser: "chrome", URL: "https://a.example.com", VisitedAt: visitAt},
	}
	bm.tick()
	drain(bm.Records())

	// The same rows are returned again; the watermark filters them out.
	bm.tick()
	if recs := drain(bm.Records()); len(recs) != 0 {
		t.Errorf("replayed visits produced %d records", len(recs))
	}
	if !source.since.Equal(visitAt) {
		t.Errorf("watermark = %s, want %s", source.since, visitAt)
	}
}

func TestBrowserMonitorURLCooldown(t *testing.T) {
	clock := newFakeClock()
	source := &fakeHistory{}
	bm := newTestBrowserMonitor(source, clock)

	// The same page revisited every poll within the cooldown reports once.
	var visits int
	for i := 0; i < 4; i++ {
		clock.Advance(30 * time.Second)
		source.visits = append(source.visits, history.Visit{
			Browser: "chrome", URL: "https://mail.example.com", VisitedAt: clock.Now(),
		})
		bm.tick()
		for _, rec := range drain(bm.Records()) {
			if rec.EventType == string(common.KindURLVisited) {
				visits++
			}
		}
	}
	if visits != 1 {
		t.Errorf("got %d visit records within cooldown, want 1", visits)
	}
}
