// Package monitor contains the pollers that watch the endpoint and turn
// raw snapshots into deduplicated telemetry records.
package monitor

import (
	"time"

	"github.com/sentinelops/sentinel-agent/common"
)

// Monitor is one background poller.
type Monitor interface {
	// Name identifies the monitor in logs and metrics.
	Name() string

	// Start begins polling in the background.
	Start() error

	// Stop ceases polling.
	Stop() error

	// IsRunning returns whether polling is active.
	IsRunning() bool

	// Records returns the channel of emitted records.
	Records() <-chan common.Record
}

// Process is one running process as seen in a snapshot.
type Process struct {
	PID      int
	Name     string
	Cmdline  string
	Username string
}

// ProcessLister produces a process snapshot.
type ProcessLister interface {
	Processes() ([]Process, error)
}

// Connection is one established network connection.
type Connection struct {
	PID         int
	ProcessName string
	LocalAddr   string
	RemoteAddr  string
	State       string
}

// ConnectionLister produces a connection snapshot.
type ConnectionLister interface {
	Connections() ([]Connection, error)
}

// Resolver maps a remote address to a hostname. Implementations cache.
type Resolver interface {
	Resolve(addr string) string
}

// FileEntry is one file as seen in a filesystem snapshot.
type FileEntry struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Scanner produces a filesystem snapshot of the monitored paths.
type Scanner interface {
	Scan() ([]FileEntry, error)
}

// MetricsSource samples system resource metrics, e.g. cpu_percent and
// memory_percent.
type MetricsSource interface {
	Sample() (map[string]float64, error)
}

// Drive is one mounted removable volume.
type Drive struct {
	Device     string
	MountPoint string
	Label      string
	TotalBytes uint64
}

// DriveLister produces a snapshot of removable drives.
type DriveLister interface {
	Drives() ([]Drive, error)
}

// Session is one interactive login session.
type Session struct {
	User    string
	TTY     string
	Remote  string
	LoginAt time.Time
}

// SessionSource produces a snapshot of active sessions.
type SessionSource interface {
	Sessions() ([]Session, error)
}

// recordBuffer is the emit channel depth shared by all monitors. A full
// channel drops the record rather than blocking the poll loop.
const recordBuffer = 256
