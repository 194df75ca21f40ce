package monitor

import (
	"fmt"
	"testing"
	"time"

	"github.com/sentinelops/sentinel-agent/common"
	"github.com/sentinelops/sentinel-agent/detect"
)

func newTestUSBMonitor(lister *fakeDriveLister, scan ScanFunc, clock *fakeClock) *USBMonitor {
	return NewUSBMonitor(USBConfig{
		Interval: time.Second,
		Bulk: detect.BulkConfig{
			Threshold:   3,
			Window:      2 * time.Second,
			Cooldown:    5 * time.Second,
			SampleLimit: 5,
		},
	}, lister, scan, clock, testLogger(), newTestMetrics())
}

func TestUSBMonitorReportsConnectAndRemove(t *testing.T) {
	lister := &fakeDriveLister{}
	drive := Drive{Device: "E:", MountPoint: "E:\\", Label: "KINGSTON", TotalBytes: 16 << 30}

	files := map[string][]FileEntry{
		"E:\\": {
			{Path: "E:\\readme.txt", Size: 10},
			{Path: "E:\\setup.exe", Size: 1024},
		},
	}
	scan := func(root string) ([]FileEntry, error) { return files[root], nil }

	um := newTestUSBMonitor(lister, scan, newFakeClock())
	um.tick()

	lister.drives = []Drive{drive}
	um.tick()

	recs := drain(um.Records())
	if len(recs) != 1 || recs[0].EventType != string(common.KindDeviceConnected) {
		t.Fatalf("expected one connect record, got %+v", recs)
	}
	if recs[0].Details["file_count"] != 2 || recs[0].Details["label"] != "KINGSTON" {
		t.Errorf("Details = %v", recs[0].Details)
	}

	lister.drives = nil
	um.tick()

	recs = drain(um.Records())
	if len(recs) != 1 || recs[0].EventType != string(common.KindDeviceRemoved) {
		t.Fatalf("expected one remove record, got %+v", recs)
	}
}

func TestUSBMonitorFlagsMassCopy(t *testing.T) {
	lister := &fakeDriveLister{}
	drive := Drive{Device: "E:", MountPoint: "E:\\"}

	var entries []FileEntry
	scan := func(string) ([]FileEntry, error) { return entries, nil }

	clock := newFakeClock()
	um := newTestUSBMonitor(lister, scan, clock)
	um.tick()

	lister.drives = []Drive{drive}
	clock.Advance(time.Second)
	um.tick()
	drain(um.Records()) // connect record

	// Five documents land on the stick in one tick.
	for i := 0; i < 5; i++ {
		entries = append(entries, FileEntry{Path: fmt.Sprintf("E:\\docs\\file%d.pdf", i), Size: 100})
	}
	clock.Advance(time.Second)
	um.tick()

	var bulks int
	for _, rec := range drain(um.Records()) {
		if rec.EventType == "bulk_copy" {
			bulks++
			if rec.Details["device"] != "E:" {
				t.Errorf("Details = %v", rec.Details)
			}
		}
	}
	if bulks != 1 {
		t.Errorf("got %d bulk_copy records, want 1", bulks)
	}
}

func TestUSBMonitorPrimedDrivesDontReconnect(t *testing.T) {
	drive := Drive{Device: "E:", MountPoint: "E:\\"}
	lister := &fakeDriveLister{drives: []Drive{drive}}
	um := newTestUSBMonitor(lister, nil, newFakeClock())

	um.tick()
	um.tick()
	if recs := drain(um.Records()); len(recs) != 0 {
		t.Errorf("already-present drive produced %d records", len(recs))
	}
}
