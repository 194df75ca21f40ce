package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"AGENT_ID", "AGENT_LOG_DIR", "SERVER_URL", "INDEX_NAME",
		"SERVER_USERNAME", "SERVER_PASSWORD", "STATUS_ADDR",
		"PUSH_TIMEOUT", "RETRY_COUNT", "RETRY_DELAY", "MAX_BATCH_SIZE", "PUSH_RATE",
		"PROCESS_INTERVAL", "NETWORK_INTERVAL", "FILESYSTEM_INTERVAL",
		"SYSTEM_INTERVAL", "USB_INTERVAL", "LOGIN_INTERVAL", "BROWSER_INTERVAL",
		"PROCESS_COOLDOWN", "NETWORK_COOLDOWN", "FILE_COOLDOWN",
		"MODIFIED_COOLDOWN", "LOGIN_COOLDOWN", "URL_COOLDOWN",
		"BULK_THRESHOLD", "BULK_WINDOW", "BULK_COOLDOWN",
		"SAMPLER_WINDOW_SIZE", "SAMPLER_MIN_SAMPLES", "SAMPLER_SIGMA",
		"SAMPLER_TRIGGER_COUNT", "SAMPLER_CLEAR_COUNT",
		"NORMAL_INTERVAL", "ALERT_INTERVAL", "MONITORED_PATHS",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.IndexName != "sentinel_raw_logs" {
		t.Errorf("default index = %q, want sentinel_raw_logs", cfg.IndexName)
	}
	if cfg.BulkThreshold != 3 || cfg.BulkWindow != 2*time.Second || cfg.BulkCooldown != 5*time.Second {
		t.Errorf("bulk defaults = %d/%s/%s, want 3/2s/5s",
			cfg.BulkThreshold, cfg.BulkWindow, cfg.BulkCooldown)
	}
	if cfg.SamplerWindowSize != 60 || cfg.SamplerMinSamples != 10 {
		t.Errorf("sampler window defaults = %d/%d, want 60/10", cfg.SamplerWindowSize, cfg.SamplerMinSamples)
	}
	if cfg.SamplerTriggerCount != 3 || cfg.SamplerClearCount != 5 {
		t.Errorf("sampler hysteresis defaults = %d/%d, want 3/5",
			cfg.SamplerTriggerCount, cfg.SamplerClearCount)
	}
	if cfg.NormalInterval != 15*time.Minute || cfg.AlertInterval != 5*time.Second {
		t.Errorf("cadence defaults = %s/%s, want 15m/5s", cfg.NormalInterval, cfg.AlertInterval)
	}
	if cfg.ModifiedCooldown != 5*time.Minute {
		t.Errorf("modified cooldown default = %s, want 5m", cfg.ModifiedCooldown)
	}
	if cfg.AgentID == "" {
		t.Error("AgentID should default to hostname")
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVER_URL", "http://localhost:9200")
	t.Setenv("BULK_THRESHOLD", "10")
	t.Setenv("BULK_WINDOW", "500ms")
	t.Setenv("SAMPLER_SIGMA", "3.5")
	t.Setenv("PROCESS_COOLDOWN", "1m")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ServerURL != "http://localhost:9200" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.BulkThreshold != 10 {
		t.Errorf("BulkThreshold = %d, want 10", cfg.BulkThreshold)
	}
	if cfg.BulkWindow != 500*time.Millisecond {
		t.Errorf("BulkWindow = %s, want 500ms", cfg.BulkWindow)
	}
	if cfg.SamplerSigma != 3.5 {
		t.Errorf("SamplerSigma = %v, want 3.5", cfg.SamplerSigma)
	}
	if cfg.ProcessCooldown != time.Minute {
		t.Errorf("ProcessCooldown = %s, want 1m", cfg.ProcessCooldown)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		key, value string
	}{
		{"BULK_WINDOW", "not-a-duration"},
		{"BULK_THRESHOLD", "three"},
		{"SAMPLER_SIGMA", "high"},
		{"BULK_THRESHOLD", "1"},
		{"SERVER_URL", "localhost:9200"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(""); err == nil {
				t.Errorf("Load accepted %s=%q, want error", tc.key, tc.value)
			}
		})
	}
}

func TestLoadRejectsInvertedCadence(t *testing.T) {
	clearEnv(t)
	t.Setenv("NORMAL_INTERVAL", "2s")
	t.Setenv("ALERT_INTERVAL", "10s")
	if _, err := Load(""); err == nil {
		t.Error("Load accepted alert interval above normal interval")
	}
}

func TestMonitoredPathsSplit(t *testing.T) {
	clearEnv(t)
	t.Setenv("MONITORED_PATHS", "/tmp/a"+string(os.PathListSeparator)+" /tmp/b ")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.MonitoredPaths) != 2 || cfg.MonitoredPaths[0] != "/tmp/a" || cfg.MonitoredPaths[1] != "/tmp/b" {
		t.Errorf("MonitoredPaths = %v", cfg.MonitoredPaths)
	}
}
