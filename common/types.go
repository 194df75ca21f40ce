package common

import (
	"os"
	"time"
)

// Kind is the category of a raw observation.
type Kind string

const (
	KindCreated          Kind = "created"
	KindModified         Kind = "modified"
	KindDeleted          Kind = "deleted"
	KindMoved            Kind = "moved"
	KindConnectionOpened Kind = "connection_opened"
	KindConnectionClosed Kind = "connection_closed"
	KindProcessStarted   Kind = "process_started"
	KindProcessStopped   Kind = "process_terminated"
	KindLogin            Kind = "login"
	KindLogout           Kind = "logout"
	KindDeviceConnected  Kind = "device_connected"
	KindDeviceRemoved    Kind = "device_removed"
	KindURLVisited       Kind = "url_visited"
)

// Severity levels for emitted records.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Observation is a single raw event as seen by a poller, before any
// dedup or bulk-collapse decision. Key identifies the "same" event for
// cooldown purposes; Scope groups observations for bulk detection
// (typically the containing directory or process context).
type Observation struct {
	Key       string
	Scope     string
	Kind      Kind
	Timestamp time.Time
	Payload   map[string]interface{}
}

// Record is the unit shipped to the log store.
type Record struct {
	Timestamp      time.Time              `json:"timestamp"`
	Hostname       string                 `json:"hostname"`
	UserIdentifier string                 `json:"user_identifier"`
	MonitorType    string                 `json:"monitor_type"`
	EventType      string                 `json:"event_type"`
	Severity       string                 `json:"severity,omitempty"`
	PID            int                    `json:"pid"`
	Details        map[string]interface{} `json:"event_details,omitempty"`
}

// NewRecord builds a record stamped with the agent's host identity.
func NewRecord(monitorType, eventType string, details map[string]interface{}) Record {
	return Record{
		Timestamp:      time.Now().UTC(),
		Hostname:       hostname(),
		UserIdentifier: osUser(),
		MonitorType:    monitorType,
		EventType:      eventType,
		PID:            os.Getpid(),
		Details:        details,
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown_host"
	}
	return h
}

func osUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return "unknown_user"
}
