package exporter

import (
	"context"
	"time"

	"github.com/sentinelops/sentinel-agent/common"
)

// Sink receives finished telemetry records.
type Sink interface {
	// Push sends a single record to the backend.
	Push(ctx context.Context, rec common.Record) error

	// PushBatch sends multiple records, chunking when the batch is large.
	PushBatch(ctx context.Context, recs []common.Record) error

	// Start initializes the sink.
	Start() error

	// Stop shuts down the sink gracefully.
	Stop() error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// Config holds connection settings for the HTTP sink.
type Config struct {
	// ServerURL is the log store base URL, e.g. http://localhost:9200.
	ServerURL string
	// IndexName is the index documents are written to.
	IndexName string
	Username  string
	Password  string

	Timeout      time.Duration
	RetryCount   int
	RetryDelay   time.Duration
	MaxBatchSize int
	// PushRate caps pushes per second; 0 disables throttling.
	PushRate float64
}
