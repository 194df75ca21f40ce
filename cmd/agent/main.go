package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sentinelops/sentinel-agent/api"
	"github.com/sentinelops/sentinel-agent/common"
	"github.com/sentinelops/sentinel-agent/config"
	"github.com/sentinelops/sentinel-agent/detect"
	"github.com/sentinelops/sentinel-agent/exporter"
	"github.com/sentinelops/sentinel-agent/history"
	"github.com/sentinelops/sentinel-agent/logging"
	"github.com/sentinelops/sentinel-agent/monitor"
	"github.com/sentinelops/sentinel-agent/observability"
	"github.com/sentinelops/sentinel-agent/platform"
	"github.com/sentinelops/sentinel-agent/scheduler"
)

func main() {
	var envFile string
	flag.StringVar(&envFile, "env", "", "Path to .env file (default: ./.env if present)")
	flag.Parse()

	cfg, err := config.Load(envFile)
	if err != nil {
		// No logger yet.
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogDir)
	if err != nil {
		os.Stderr.WriteString("logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("agent starting",
		zap.String("agent_id", cfg.AgentID),
		zap.String("server_url", cfg.ServerURL),
		zap.Strings("monitored_paths", cfg.MonitoredPaths))

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	sink := buildSink(cfg, logger)
	if err := sink.Start(); err != nil {
		logger.Fatal("sink start failed", zap.Error(err))
	}
	defer sink.Stop()

	clock := detect.SystemClock{}
	monitors := buildMonitors(cfg, clock, logger, metrics)

	supervisor := monitor.NewSupervisor(monitor.SupervisorConfig{}, monitors, logger, metrics)
	if err := supervisor.Start(); err != nil {
		logger.Fatal("supervisor start failed", zap.Error(err))
	}
	defer supervisor.Stop()

	// Fan records from every monitor into the sink.
	shipCtx, stopShipping := context.WithCancel(context.Background())
	defer stopShipping()
	for _, m := range monitors {
		go ship(shipCtx, m, sink, logger, metrics)
	}

	sched := scheduler.New(logger)
	sched.Add("heartbeat", time.Minute, func() error {
		rec := common.NewRecord("agent", "heartbeat", map[string]interface{}{
			"agent_id": cfg.AgentID,
		})
		ctx, cancel := context.WithTimeout(context.Background(), cfg.PushTimeout)
		defer cancel()
		return sink.Push(ctx, rec)
	})
	sched.Add("sink-health", 5*time.Minute, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.PushTimeout)
		defer cancel()
		if err := sink.HealthCheck(ctx); err != nil {
			metrics.SinkErrors.Inc()
			return err
		}
		return nil
	})
	if err := sched.Start(); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}
	defer sched.Stop()

	var statusServer *api.Server
	if cfg.StatusAddr != "" {
		statusServer = api.NewServer(cfg.StatusAddr, cfg.AgentID, supervisor, sched, registry, logger)
		statusServer.Start()
	}

	logger.Info("agent running", zap.Int("monitors", len(monitors)))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("agent shutting down")
	if statusServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := statusServer.Shutdown(ctx); err != nil {
			logger.Warn("status api shutdown failed", zap.Error(err))
		}
	}
}

// buildSink picks the HTTP store when configured, otherwise records go
// to the structured log.
func buildSink(cfg *config.Config, logger *zap.Logger) exporter.Sink {
	if cfg.ServerURL == "" {
		logger.Info("no SERVER_URL configured, writing records to log")
		return exporter.NewConsoleExporter(logger)
	}
	return exporter.NewHTTPExporter(exporter.Config{
		ServerURL:    cfg.ServerURL,
		IndexName:    cfg.IndexName,
		Username:     cfg.Username,
		Password:     cfg.Password,
		Timeout:      cfg.PushTimeout,
		RetryCount:   cfg.RetryCount,
		RetryDelay:   cfg.RetryDelay,
		MaxBatchSize: cfg.MaxBatchSize,
		PushRate:     cfg.PushRate,
	}, logger)
}

func buildMonitors(cfg *config.Config, clock detect.Clock, logger *zap.Logger, metrics *observability.Metrics) []monitor.Monitor {
	bulk := detect.BulkConfig{
		Threshold: cfg.BulkThreshold,
		Window:    cfg.BulkWindow,
		Cooldown:  cfg.BulkCooldown,
	}

	return []monitor.Monitor{
		monitor.NewProcessMonitor(monitor.ProcessConfig{
			Interval: cfg.ProcessInterval,
			Cooldown: cfg.ProcessCooldown,
		}, platform.NewProcLister(), clock, logger, metrics),

		monitor.NewNetworkMonitor(monitor.NetworkConfig{
			Interval: cfg.NetworkInterval,
			Cooldown: cfg.NetworkCooldown,
		}, platform.NewTCPConnections(), monitor.NewCachingResolver(100), clock, logger, metrics),

		monitor.NewFilesystemMonitor(monitor.FilesystemConfig{
			Interval:         cfg.FilesystemInterval,
			FileCooldown:     cfg.FileCooldown,
			ModifiedCooldown: cfg.ModifiedCooldown,
			Bulk:             bulk,
		}, platform.NewWalkScanner(cfg.MonitoredPaths, 0), clock, logger, metrics),

		monitor.NewSystemMonitor(monitor.SystemConfig{
			Interval: cfg.SystemInterval,
			Sampler: detect.SamplerConfig{
				WindowSize:     cfg.SamplerWindowSize,
				MinSamples:     cfg.SamplerMinSamples,
				Sigma:          cfg.SamplerSigma,
				TriggerCount:   cfg.SamplerTriggerCount,
				ClearCount:     cfg.SamplerClearCount,
				NormalInterval: cfg.NormalInterval,
				AlertInterval:  cfg.AlertInterval,
			},
		}, platform.NewProcMetrics(), clock, logger, metrics),

		monitor.NewUSBMonitor(monitor.USBConfig{
			Interval: cfg.USBInterval,
			Bulk:     bulk,
		}, platform.NewMountedDrives(), platform.WalkTree, clock, logger, metrics),

		monitor.NewLoginMonitor(monitor.LoginConfig{
			Interval: cfg.LoginInterval,
			Cooldown: cfg.LoginCooldown,
		}, platform.NewLoginSessions(), clock, logger, metrics),

		monitor.NewBrowserMonitor(monitor.BrowserConfig{
			Interval: cfg.BrowserInterval,
			Cooldown: cfg.URLCooldown,
		}, history.NewReader(history.DefaultSources()), clock, logger, metrics),
	}
}

// ship forwards one monitor's records to the sink until ctx is done.
func ship(ctx context.Context, m monitor.Monitor, sink exporter.Sink, logger *zap.Logger, metrics *observability.Metrics) {
	for {
		select {
		case rec := <-m.Records():
			start := time.Now()
			pushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := sink.Push(pushCtx, rec)
			cancel()
			metrics.SinkPushSeconds.Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.SinkErrors.Inc()
				logger.Warn("record push failed",
					zap.String("monitor", m.Name()),
					zap.String("event_type", rec.EventType),
					zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
