package monitor

import (
	"testing"
	"time"

	"github.com/sentinelops/sentinel-agent/common"
)

func newTestProcessMonitor(lister *fakeProcessLister, clock *fakeClock) *ProcessMonitor {
	return NewProcessMonitor(ProcessConfig{
		Interval: time.Second,
		Cooldown: 30 * time.Second,
	}, lister, clock, testLogger(), newTestMetrics())
}

func TestProcessMonitorFirstSnapshotPrimes(t *testing.T) {
	lister := &fakeProcessLister{procs: []Process{
		{PID: 100, Name: "notepad.exe", Cmdline: "notepad.exe"},
	}}
	pm := newTestProcessMonitor(lister, newFakeClock())

	pm.tick()
	if recs := drain(pm.Records()); len(recs) != 0 {
		t.Errorf("baseline tick emitted %d records, want 0", len(recs))
	}
}

func TestProcessMonitorReportsStartAndStop(t *testing.T) {
	lister := &fakeProcessLister{procs: []Process{
		{PID: 100, Name: "notepad.exe", Cmdline: "notepad.exe"},
	}}
	clock := newFakeClock()
	pm := newTestProcessMonitor(lister, clock)
	pm.tick()

	lister.procs = []Process{
		{PID: 100, Name: "notepad.exe", Cmdline: "notepad.exe"},
		{PID: 200, Name: "calc.exe", Cmdline: "calc.exe --foo", Username: "alice"},
	}
	pm.tick()

	recs := drain(pm.Records())
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].EventType != string(common.KindProcessStarted) || recs[0].PID != 200 {
		t.Errorf("unexpected record: %+v", recs[0])
	}
	if recs[0].Details["name"] != "calc.exe" {
		t.Errorf("Details = %v", recs[0].Details)
	}

	lister.procs = []Process{
		{PID: 100, Name: "notepad.exe", Cmdline: "notepad.exe"},
	}
	pm.tick()

	recs = drain(pm.Records())
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].EventType != string(common.KindProcessStopped) || recs[0].PID != 200 {
		t.Errorf("unexpected record: %+v", recs[0])
	}
}

func TestProcessMonitorCooldownCollapsesRespawns(t *testing.T) {
	lister := &fakeProcessLister{}
	clock := newFakeClock()
	pm := newTestProcessMonitor(lister, clock)
	pm.tick()

	// The same worker respawns with a fresh pid each tick; only the
	// first start within the cooldown should be reported.
	for pid := 300; pid < 305; pid++ {
		lister.procs = []Process{{PID: pid, Name: "worker.exe", Cmdline: "worker.exe --batch"}}
		clock.Advance(time.Second)
		pm.tick()
	}

	var starts int
	for _, rec := range drain(pm.Records()) {
		if rec.EventType == string(common.KindProcessStarted) {
			starts++
		}
	}
	if starts != 1 {
		t.Errorf("got %d start records, want 1", starts)
	}
}

func TestProcessMonitorIgnoresSystemProcesses(t *testing.T) {
	lister := &fakeProcessLister{}
	pm := newTestProcessMonitor(lister, newFakeClock())
	pm.tick()

	lister.procs = []Process{
		{PID: 4, Name: "System", Cmdline: ""},
		{PID: 500, Name: "svchost.exe", Cmdline: "svchost.exe -k netsvcs"},
		{PID: 501, Name: "RuntimeBroker.exe", Cmdline: "RuntimeBroker.exe"},
		{PID: 502, Name: `C:\Windows\System32\cmd.exe`, Cmdline: "cmd.exe"},
	}
	pm.tick()

	if recs := drain(pm.Records()); len(recs) != 0 {
		t.Errorf("system processes produced %d records, want 0", len(recs))
	}
}

func TestProcessMonitorStartStop(t *testing.T) {
	pm := newTestProcessMonitor(&fakeProcessLister{}, newFakeClock())
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !pm.IsRunning() {
		t.Error("IsRunning = false after Start")
	}
	if err := pm.Start(); err == nil {
		t.Error("second Start should fail")
	}
	if err := pm.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if pm.IsRunning() {
		t.Error("IsRunning = true after Stop")
	}
	if err := pm.Stop(); err == nil {
		t.Error("second Stop should fail")
	}
}
