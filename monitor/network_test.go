package monitor

import (
	"strconv"
	"testing"
	"time"

	"github.com/sentinelops/sentinel-agent/common"
)

func newTestNetworkMonitor(lister *fakeConnectionLister, clock *fakeClock) *NetworkMonitor {
	return NewNetworkMonitor(NetworkConfig{
		Interval: time.Second,
		Cooldown: 60 * time.Second,
	}, lister, staticResolver{}, clock, testLogger(), newTestMetrics())
}

func TestNetworkMonitorReportsOpenAndClose(t *testing.T) {
	lister := &fakeConnectionLister{}
	nm := newTestNetworkMonitor(lister, newFakeClock())
	nm.tick()

	conn := Connection{
		PID: 100, ProcessName: "curl.exe",
		LocalAddr: "10.0.0.5:51000", RemoteAddr: "93.184.216.34:443", State: "ESTABLISHED",
	}
	lister.conns = []Connection{conn}
	nm.tick()

	recs := drain(nm.Records())
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].EventType != string(common.KindConnectionOpened) {
		t.Errorf("EventType = %q", recs[0].EventType)
	}
	if recs[0].Details["remote_addr"] != "93.184.216.34:443" {
		t.Errorf("Details = %v", recs[0].Details)
	}

	lister.conns = nil
	nm.tick()

	recs = drain(nm.Records())
	if len(recs) != 1 || recs[0].EventType != string(common.KindConnectionClosed) {
		t.Fatalf("expected one close record, got %+v", recs)
	}
}

func TestNetworkMonitorCooldownOnReconnect(t *testing.T) {
	lister := &fakeConnectionLister{}
	clock := newFakeClock()
	nm := newTestNetworkMonitor(lister, clock)
	nm.tick()

	conn := Connection{PID: 100, RemoteAddr: "198.51.100.7:443"}

	// Flapping connection: open, close, open again within the cooldown.
	lister.conns = []Connection{conn}
	nm.tick()
	lister.conns = nil
	clock.Advance(time.Second)
	nm.tick()
	lister.conns = []Connection{conn}
	clock.Advance(time.Second)
	nm.tick()

	var opens int
	for _, rec := range drain(nm.Records()) {
		if rec.EventType == string(common.KindConnectionOpened) {
			opens++
		}
	}
	if opens != 1 {
		t.Errorf("got %d open records, want 1", opens)
	}
}

func TestNetworkMonitorIgnoresBrowsersAndSystemProcesses(t *testing.T) {
	lister := &fakeConnectionLister{}
	nm := newTestNetworkMonitor(lister, newFakeClock())
	nm.tick()

	lister.conns = []Connection{
		{PID: 100, ProcessName: "chrome.exe", RemoteAddr: "93.184.216.34:443"},
		{PID: 101, ProcessName: "svchost.exe", RemoteAddr: "10.0.0.1:135"},
	}
	nm.tick()

	if recs := drain(nm.Records()); len(recs) != 0 {
		t.Errorf("ignored owners produced %d records, want 0", len(recs))
	}
}

func TestCachingResolverEviction(t *testing.T) {
	r := NewCachingResolver(2)
	r.lookup = func(addr string) ([]string, error) {
		return []string{"host-" + addr + "."}, nil
	}

	for i := 0; i < 3; i++ {
		addr := "10.0.0." + strconv.Itoa(i)
		if got := r.Resolve(addr); got != "host-"+addr {
			t.Errorf("Resolve(%s) = %q", addr, got)
		}
	}
	if len(r.cache) != 2 {
		t.Errorf("cache size = %d, want 2", len(r.cache))
	}
	if _, ok := r.cache["10.0.0.0"]; ok {
		t.Error("oldest entry should have been evicted")
	}
}

func TestCachingResolverStripsPort(t *testing.T) {
	r := NewCachingResolver(10)
	var lookedUp string
	r.lookup = func(addr string) ([]string, error) {
		lookedUp = addr
		return nil, nil
	}
	r.Resolve("192.0.2.1:443")
	if lookedUp != "192.0.2.1" {
		t.Errorf("lookup got %q, want bare host", lookedUp)
	}
}
