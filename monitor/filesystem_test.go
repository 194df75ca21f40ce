package monitor

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sentinelops/sentinel-agent/common"
	"github.com/sentinelops/sentinel-agent/detect"
)

func newTestFilesystemMonitor(scanner *fakeScanner, clock *fakeClock) *FilesystemMonitor {
	return NewFilesystemMonitor(FilesystemConfig{
		Interval:         time.Second,
		FileCooldown:     5 * time.Second,
		ModifiedCooldown: 5 * time.Minute,
		Bulk: detect.BulkConfig{
			Threshold:   3,
			Window:      2 * time.Second,
			Cooldown:    5 * time.Second,
			SampleLimit: 5,
		},
	}, scanner, clock, testLogger(), newTestMetrics())
}

func entry(path string, size int64, mod time.Time) FileEntry {
	return FileEntry{Path: path, Size: size, ModTime: mod}
}

func TestFilesystemMonitorReportsCreateModifyDelete(t *testing.T) {
	clock := newFakeClock()
	scanner := &fakeScanner{entries: []FileEntry{
		entry("/home/alice/notes.txt", 10, clock.Now()),
	}}
	fm := newTestFilesystemMonitor(scanner, clock)
	fm.tick()

	// Create.
	scanner.entries = append(scanner.entries, entry("/home/alice/report.pdf", 100, clock.Now()))
	clock.Advance(time.Second)
	fm.tick()

	recs := drain(fm.Records())
	if len(recs) != 1 || recs[0].EventType != string(common.KindCreated) {
		t.Fatalf("expected one created record, got %+v", recs)
	}
	if recs[0].Details["path"] != "/home/alice/report.pdf" {
		t.Errorf("Details = %v", recs[0].Details)
	}

	// Modify.
	clock.Advance(10 * time.Second)
	scanner.entries = []FileEntry{
		entry("/home/alice/notes.txt", 25, clock.Now()),
		entry("/home/alice/report.pdf", 100, clock.Now().Add(-11*time.Second)),
	}
	fm.tick()

	recs = drain(fm.Records())
	if len(recs) != 1 || recs[0].EventType != string(common.KindModified) {
		t.Fatalf("expected one modified record, got %+v", recs)
	}

	// Delete.
	clock.Advance(10 * time.Second)
	scanner.entries = scanner.entries[1:]
	fm.tick()

	recs = drain(fm.Records())
	if len(recs) != 1 || recs[0].EventType != string(common.KindDeleted) {
		t.Fatalf("expected one deleted record, got %+v", recs)
	}
}

func TestFilesystemMonitorIgnoresScratchFiles(t *testing.T) {
	clock := newFakeClock()
	scanner := &fakeScanner{}
	fm := newTestFilesystemMonitor(scanner, clock)
	fm.tick()

	scanner.entries = []FileEntry{
		entry("/home/alice/download.crdownload", 512, clock.Now()),
		entry("/home/alice/.notes.txt.swp", 4096, clock.Now()),
		entry(`C:\$Recycle.Bin\S-1-5-21\report.pdf`, 100, clock.Now()),
		entry("/home/alice/build.tmp", 10, clock.Now()),
		entry(`C:\Users\alice\Documents\~$budget.xlsx`, 165, clock.Now()),
	}
	clock.Advance(time.Second)
	fm.tick()

	if recs := drain(fm.Records()); len(recs) != 0 {
		t.Errorf("scratch files produced %d records, want 0", len(recs))
	}

	// A tilde inside an ordinary name is not a lock file.
	scanner.entries = append(scanner.entries,
		entry("/home/alice/backup~final.txt", 10, clock.Now()))
	clock.Advance(time.Second)
	fm.tick()

	recs := drain(fm.Records())
	if len(recs) != 1 || recs[0].Details["path"] != "/home/alice/backup~final.txt" {
		t.Errorf("expected one created record for tilde name, got %+v", recs)
	}
}

func TestFilesystemMonitorCollapsesBurstIntoBulk(t *testing.T) {
	clock := newFakeClock()
	scanner := &fakeScanner{}
	fm := newTestFilesystemMonitor(scanner, clock)
	fm.tick()

	// An archive extraction drops six files into one directory at once.
	for i := 0; i < 6; i++ {
		scanner.entries = append(scanner.entries,
			entry(fmt.Sprintf("/home/alice/unpack/f%d.dat", i), 10, clock.Now()))
	}
	clock.Advance(time.Second)
	fm.tick()

	recs := drain(fm.Records())
	var bulks, individuals int
	for _, rec := range recs {
		switch rec.EventType {
		case "bulk_created":
			bulks++
			if rec.Details["file_count"].(int) < 3 {
				t.Errorf("bulk file_count = %v", rec.Details["file_count"])
			}
		case string(common.KindCreated):
			individuals++
		}
	}
	if bulks != 1 {
		t.Errorf("got %d bulk records, want 1", bulks)
	}
	// The first two arrivals are below the threshold and pass through;
	// everything after the bulk fires is suppressed by the cooldown.
	if individuals != 2 {
		t.Errorf("got %d individual records, want 2", individuals)
	}
}

func TestFilesystemMonitorDetectsMove(t *testing.T) {
	clock := newFakeClock()
	scanner := &fakeScanner{entries: []FileEntry{
		entry("/home/alice/old/report.pdf", 4096, clock.Now()),
	}}
	fm := newTestFilesystemMonitor(scanner, clock)
	fm.tick()

	clock.Advance(time.Second)
	scanner.entries = []FileEntry{
		entry("/home/alice/new/report.pdf", 4096, clock.Now()),
	}
	fm.tick()

	recs := drain(fm.Records())
	if len(recs) != 1 || recs[0].EventType != string(common.KindMoved) {
		t.Fatalf("expected one moved record, got %+v", recs)
	}
	if recs[0].Details["from_path"] != "/home/alice/old/report.pdf" ||
		recs[0].Details["path"] != "/home/alice/new/report.pdf" {
		t.Errorf("Details = %v", recs[0].Details)
	}
}

func TestFilesystemMonitorModifiedCooldown(t *testing.T) {
	clock := newFakeClock()
	scanner := &fakeScanner{entries: []FileEntry{
		entry("/var/log/app.log", 100, clock.Now()),
	}}
	fm := newTestFilesystemMonitor(scanner, clock)
	fm.tick()

	// A log file growing every tick reports once per cooldown window.
	var modified int
	for i := 0; i < 10; i++ {
		clock.Advance(time.Second)
		scanner.entries = []FileEntry{
			entry("/var/log/app.log", int64(100+i), clock.Now()),
		}
		fm.tick()
		for _, rec := range drain(fm.Records()) {
			if rec.EventType == string(common.KindModified) {
				modified++
			}
		}
	}
	if modified != 1 {
		t.Errorf("got %d modified records in cooldown window, want 1", modified)
	}
}

func TestFilesystemMonitorMassModifyCollapsesIntoBulk(t *testing.T) {
	clock := newFakeClock()
	scanner := &fakeScanner{}
	for i := 0; i < 10; i++ {
		scanner.entries = append(scanner.entries,
			entry(fmt.Sprintf("/home/alice/docs/f%d.txt", i), 100, clock.Now()))
	}
	fm := newTestFilesystemMonitor(scanner, clock)
	fm.tick()

	// Every file in the directory rewritten in one tick, the shape of a
	// mass encrypt.
	clock.Advance(time.Second)
	var touched []FileEntry
	for i := 0; i < 10; i++ {
		touched = append(touched,
			entry(fmt.Sprintf("/home/alice/docs/f%d.txt", i), 4096, clock.Now()))
	}
	scanner.entries = touched
	fm.tick()

	var bulks, individuals int
	for _, rec := range drain(fm.Records()) {
		switch rec.EventType {
		case "bulk_modified":
			bulks++
		case string(common.KindModified):
			individuals++
		}
	}
	if bulks != 1 {
		t.Errorf("got %d bulk_modified records, want 1", bulks)
	}
	if individuals != 2 {
		t.Errorf("got %d individual modified records, want 2", individuals)
	}
}

func TestFilesystemMonitorSeverity(t *testing.T) {
	clock := newFakeClock()
	fm := newTestFilesystemMonitor(&fakeScanner{}, clock)

	cases := []struct {
		path string
		size int64
		want string
	}{
		{"/home/alice/.ssh/id_rsa", 2048, common.SeverityHigh},
		{"C:\\Users\\alice\\AppData\\Local\\Temp\\dropper.exe", 1024, common.SeverityHigh},
		{"/home/alice/video.mkv", 2 << 30, common.SeverityMedium},
		{"/home/alice/notes.txt", 10, common.SeverityLow},
	}
	for _, tc := range cases {
		if got := fm.severityFor(tc.path, tc.size); got != tc.want {
			t.Errorf("severityFor(%q, %d) = %q, want %q", tc.path, tc.size, got, tc.want)
		}
	}
}

func TestFilesystemMonitorSizeFlags(t *testing.T) {
	clock := newFakeClock()
	scanner := &fakeScanner{}
	fm := newTestFilesystemMonitor(scanner, clock)
	fm.tick()

	clock.Advance(time.Second)
	scanner.entries = []FileEntry{
		entry("/home/alice/backup.img", 2<<30, clock.Now()),
	}
	fm.tick()

	recs := drain(fm.Records())
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Details["size_flag"] != "huge" {
		t.Errorf("size_flag = %v, want huge", recs[0].Details["size_flag"])
	}
}

// panicScanner blows up on the first scan, standing in for a broken
// platform enumerator.
type panicScanner struct{}

func (panicScanner) Scan() ([]FileEntry, error) { panic("enumerator gone") }

// countingScanner counts scans so tests can see the poll loop alive.
type countingScanner struct {
	scans atomic.Int64
}

func (c *countingScanner) Scan() ([]FileEntry, error) {
	c.scans.Add(1)
	return nil, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestFilesystemMonitorPanicMarksMonitorDead(t *testing.T) {
	fm := NewFilesystemMonitor(FilesystemConfig{Interval: time.Hour},
		panicScanner{}, detect.SystemClock{}, testLogger(), newTestMetrics())

	if err := fm.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// The initial tick panics; the loop must not take the process down
	// and must leave the monitor reported as dead so the supervisor
	// restarts it.
	waitFor(t, func() bool { return !fm.IsRunning() })
}

func TestFilesystemMonitorRestartsAfterStop(t *testing.T) {
	scanner := &countingScanner{}
	fm := NewFilesystemMonitor(FilesystemConfig{Interval: time.Millisecond},
		scanner, detect.SystemClock{}, testLogger(), newTestMetrics())

	if err := fm.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return scanner.scans.Load() >= 1 })
	if err := fm.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err := fm.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	before := scanner.scans.Load()
	waitFor(t, func() bool { return scanner.scans.Load() > before })
	if err := fm.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
