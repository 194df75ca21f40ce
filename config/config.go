package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full agent configuration, loaded from the environment
// (optionally seeded from a .env file).
type Config struct {
	AgentID string
	LogDir  string

	// Log store connection.
	ServerURL    string
	IndexName    string
	Username     string
	Password     string
	PushTimeout  time.Duration
	RetryCount   int
	RetryDelay   time.Duration
	MaxBatchSize int
	// PushRate caps sink pushes per second; 0 disables throttling.
	PushRate float64

	// Local status API; empty disables it.
	StatusAddr string

	// Poll intervals.
	ProcessInterval    time.Duration
	NetworkInterval    time.Duration
	FilesystemInterval time.Duration
	SystemInterval     time.Duration
	USBInterval        time.Duration
	LoginInterval      time.Duration
	BrowserInterval    time.Duration

	// Dedup cooldowns.
	ProcessCooldown  time.Duration
	NetworkCooldown  time.Duration
	FileCooldown     time.Duration
	ModifiedCooldown time.Duration
	LoginCooldown    time.Duration
	URLCooldown      time.Duration

	// Bulk-operation detection.
	BulkThreshold int
	BulkWindow    time.Duration
	BulkCooldown  time.Duration

	// Adaptive sampling.
	SamplerWindowSize   int
	SamplerMinSamples   int
	SamplerSigma        float64
	SamplerTriggerCount int
	SamplerClearCount   int
	NormalInterval      time.Duration
	AlertInterval       time.Duration

	// Filesystem monitoring.
	MonitoredPaths []string
}

// Load reads configuration from a .env file (if present) and the process
// environment, applies defaults, and validates the result.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		// Best effort: a missing default .env is fine.
		_ = godotenv.Load()
	}

	cfg := &Config{
		AgentID:    os.Getenv("AGENT_ID"),
		LogDir:     os.Getenv("AGENT_LOG_DIR"),
		ServerURL:  os.Getenv("SERVER_URL"),
		IndexName:  os.Getenv("INDEX_NAME"),
		Username:   os.Getenv("SERVER_USERNAME"),
		Password:   os.Getenv("SERVER_PASSWORD"),
		StatusAddr: os.Getenv("STATUS_ADDR"),
	}

	var err error
	read := func(dst *time.Duration, key string) {
		if err != nil {
			return
		}
		*dst, err = envDuration(key)
	}

	read(&cfg.PushTimeout, "PUSH_TIMEOUT")
	read(&cfg.RetryDelay, "RETRY_DELAY")
	read(&cfg.ProcessInterval, "PROCESS_INTERVAL")
	read(&cfg.NetworkInterval, "NETWORK_INTERVAL")
	read(&cfg.FilesystemInterval, "FILESYSTEM_INTERVAL")
	read(&cfg.SystemInterval, "SYSTEM_INTERVAL")
	read(&cfg.USBInterval, "USB_INTERVAL")
	read(&cfg.LoginInterval, "LOGIN_INTERVAL")
	read(&cfg.BrowserInterval, "BROWSER_INTERVAL")
	read(&cfg.ProcessCooldown, "PROCESS_COOLDOWN")
	read(&cfg.NetworkCooldown, "NETWORK_COOLDOWN")
	read(&cfg.FileCooldown, "FILE_COOLDOWN")
	read(&cfg.ModifiedCooldown, "MODIFIED_COOLDOWN")
	read(&cfg.LoginCooldown, "LOGIN_COOLDOWN")
	read(&cfg.URLCooldown, "URL_COOLDOWN")
	read(&cfg.BulkWindow, "BULK_WINDOW")
	read(&cfg.BulkCooldown, "BULK_COOLDOWN")
	read(&cfg.NormalInterval, "NORMAL_INTERVAL")
	read(&cfg.AlertInterval, "ALERT_INTERVAL")
	if err != nil {
		return nil, err
	}

	if cfg.RetryCount, err = envInt("RETRY_COUNT"); err != nil {
		return nil, err
	}
	if cfg.MaxBatchSize, err = envInt("MAX_BATCH_SIZE"); err != nil {
		return nil, err
	}
	if cfg.BulkThreshold, err = envInt("BULK_THRESHOLD"); err != nil {
		return nil, err
	}
	if cfg.SamplerWindowSize, err = envInt("SAMPLER_WINDOW_SIZE"); err != nil {
		return nil, err
	}
	if cfg.SamplerMinSamples, err = envInt("SAMPLER_MIN_SAMPLES"); err != nil {
		return nil, err
	}
	if cfg.SamplerTriggerCount, err = envInt("SAMPLER_TRIGGER_COUNT"); err != nil {
		return nil, err
	}
	if cfg.SamplerClearCount, err = envInt("SAMPLER_CLEAR_COUNT"); err != nil {
		return nil, err
	}
	if cfg.SamplerSigma, err = envFloat("SAMPLER_SIGMA"); err != nil {
		return nil, err
	}
	if cfg.PushRate, err = envFloat("PUSH_RATE"); err != nil {
		return nil, err
	}

	if paths := os.Getenv("MONITORED_PATHS"); paths != "" {
		for _, p := range strings.Split(paths, string(os.PathListSeparator)) {
			if p = strings.TrimSpace(p); p != "" {
				cfg.MonitoredPaths = append(cfg.MonitoredPaths, p)
			}
		}
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.AgentID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "agent"
		}
		c.AgentID = host
	}
	if c.IndexName == "" {
		c.IndexName = "sentinel_raw_logs"
	}
	if c.PushTimeout == 0 {
		c.PushTimeout = 30 * time.Second
	}
	if c.RetryCount == 0 {
		c.RetryCount = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 100
	}

	if c.ProcessInterval == 0 {
		c.ProcessInterval = time.Second
	}
	if c.NetworkInterval == 0 {
		c.NetworkInterval = time.Second
	}
	if c.FilesystemInterval == 0 {
		c.FilesystemInterval = time.Second
	}
	if c.SystemInterval == 0 {
		c.SystemInterval = time.Second
	}
	if c.USBInterval == 0 {
		c.USBInterval = time.Second
	}
	if c.LoginInterval == 0 {
		c.LoginInterval = 5 * time.Second
	}
	if c.BrowserInterval == 0 {
		c.BrowserInterval = 30 * time.Second
	}

	if c.ProcessCooldown == 0 {
		c.ProcessCooldown = 30 * time.Second
	}
	if c.NetworkCooldown == 0 {
		c.NetworkCooldown = 60 * time.Second
	}
	if c.FileCooldown == 0 {
		c.FileCooldown = 5 * time.Second
	}
	if c.ModifiedCooldown == 0 {
		c.ModifiedCooldown = 5 * time.Minute
	}
	if c.LoginCooldown == 0 {
		c.LoginCooldown = 5 * time.Second
	}
	if c.URLCooldown == 0 {
		c.URLCooldown = 5 * time.Minute
	}

	if c.BulkThreshold == 0 {
		c.BulkThreshold = 3
	}
	if c.BulkWindow == 0 {
		c.BulkWindow = 2 * time.Second
	}
	if c.BulkCooldown == 0 {
		c.BulkCooldown = 5 * time.Second
	}

	if c.SamplerWindowSize == 0 {
		c.SamplerWindowSize = 60
	}
	if c.SamplerMinSamples == 0 {
		c.SamplerMinSamples = 10
	}
	if c.SamplerSigma == 0 {
		c.SamplerSigma = 2.0
	}
	if c.SamplerTriggerCount == 0 {
		c.SamplerTriggerCount = 3
	}
	if c.SamplerClearCount == 0 {
		c.SamplerClearCount = 5
	}
	if c.NormalInterval == 0 {
		c.NormalInterval = 15 * time.Minute
	}
	if c.AlertInterval == 0 {
		c.AlertInterval = 5 * time.Second
	}

	if len(c.MonitoredPaths) == 0 {
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			c.MonitoredPaths = []string{home}
		}
	}
}

func (c *Config) validate() error {
	if c.BulkThreshold < 2 {
		return fmt.Errorf("BULK_THRESHOLD must be at least 2, got %d", c.BulkThreshold)
	}
	if c.SamplerMinSamples > c.SamplerWindowSize {
		return fmt.Errorf("SAMPLER_MIN_SAMPLES (%d) cannot exceed SAMPLER_WINDOW_SIZE (%d)",
			c.SamplerMinSamples, c.SamplerWindowSize)
	}
	if c.AlertInterval > c.NormalInterval {
		return fmt.Errorf("ALERT_INTERVAL (%s) cannot exceed NORMAL_INTERVAL (%s)",
			c.AlertInterval, c.NormalInterval)
	}
	if c.ServerURL == "" && c.StatusAddr == "" {
		// Console-only operation is fine; nothing to validate for the sink.
		return nil
	}
	if c.ServerURL != "" && !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		return fmt.Errorf("SERVER_URL must be an http(s) URL, got %q", c.ServerURL)
	}
	return nil
}

func envDuration(key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number for %s: %w", key, err)
	}
	return f, nil
}
