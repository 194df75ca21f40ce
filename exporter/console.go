package exporter

import (
	"context"

	"go.uber.org/zap"

	"github.com/sentinelops/sentinel-agent/common"
)

// ConsoleExporter writes records to the structured log instead of a
// remote store. It is the fallback when no SERVER_URL is configured.
type ConsoleExporter struct {
	logger *zap.Logger
}

func NewConsoleExporter(logger *zap.Logger) *ConsoleExporter {
	return &ConsoleExporter{logger: logger}
}

func (ce *ConsoleExporter) Push(_ context.Context, rec common.Record) error {
	ce.logger.Info("record",
		zap.Time("timestamp", rec.Timestamp),
		zap.String("monitor_type", rec.MonitorType),
		zap.String("event_type", rec.EventType),
		zap.String("severity", rec.Severity),
		zap.Int("pid", rec.PID),
		zap.Any("event_details", rec.Details))
	return nil
}

func (ce *ConsoleExporter) PushBatch(ctx context.Context, recs []common.Record) error {
	for _, rec := range recs {
		if err := ce.Push(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (ce *ConsoleExporter) Start() error { return nil }

func (ce *ConsoleExporter) Stop() error { return nil }

func (ce *ConsoleExporter) HealthCheck(context.Context) error { return nil }
