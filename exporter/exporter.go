package exporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sentinelops/sentinel-agent/common"
)

// HTTPExporter pushes records to an OpenSearch-compatible log store.
type HTTPExporter struct {
	config   Config
	client   *http.Client
	logger   *zap.Logger
	limiter  *rate.Limiter
	started  bool
	shutdown chan struct{}
}

// NewHTTPExporter creates an HTTP sink for the given store.
func NewHTTPExporter(config Config, logger *zap.Logger) *HTTPExporter {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RetryCount == 0 {
		config.RetryCount = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 5 * time.Second
	}
	if config.MaxBatchSize == 0 {
		config.MaxBatchSize = 100
	}
	config.ServerURL = strings.TrimRight(config.ServerURL, "/")

	var limiter *rate.Limiter
	if config.PushRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.PushRate), int(config.PushRate)+1)
	}

	return &HTTPExporter{
		config:   config,
		client:   &http.Client{Timeout: config.Timeout},
		logger:   logger,
		limiter:  limiter,
		shutdown: make(chan struct{}),
	}
}

// Push sends a single record to the store.
func (he *HTTPExporter) Push(ctx context.Context, rec common.Record) error {
	if !he.started {
		return fmt.Errorf("exporter not started")
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	return he.doRequest(ctx, he.docURL(), body)
}

// PushBatch sends records via the store's bulk endpoint, chunked to the
// configured batch size.
func (he *HTTPExporter) PushBatch(ctx context.Context, recs []common.Record) error {
	if !he.started {
		return fmt.Errorf("exporter not started")
	}
	if len(recs) == 0 {
		return nil
	}

	for i := 0; i < len(recs); i += he.config.MaxBatchSize {
		end := i + he.config.MaxBatchSize
		if end > len(recs) {
			end = len(recs)
		}
		if err := he.sendBulk(ctx, recs[i:end]); err != nil {
			return err
		}
	}
	return nil
}

// sendBulk writes one chunk in the NDJSON bulk format: an index action
// line followed by the document, one pair per record.
func (he *HTTPExporter) sendBulk(ctx context.Context, recs []common.Record) error {
	var buf bytes.Buffer
	action := fmt.Sprintf(`{"index":{"_index":%q}}`, he.config.IndexName)
	enc := json.NewEncoder(&buf)
	for i := range recs {
		if recs[i].Timestamp.IsZero() {
			recs[i].Timestamp = time.Now().UTC()
		}
		buf.WriteString(action)
		buf.WriteByte('\n')
		if err := enc.Encode(recs[i]); err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
	}

	return he.doRequest(ctx, he.config.ServerURL+"/_bulk", buf.Bytes())
}

func (he *HTTPExporter) docURL() string {
	return fmt.Sprintf("%s/%s/_doc", he.config.ServerURL, he.config.IndexName)
}

// doRequest performs the POST with the configured retry policy.
func (he *HTTPExporter) doRequest(ctx context.Context, url string, body []byte) error {
	if he.limiter != nil {
		if err := he.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var lastErr error
	for i := 0; i <= he.config.RetryCount; i++ {
		if i > 0 {
			he.logger.Warn("retrying push",
				zap.Int("attempt", i),
				zap.Int("max_attempts", he.config.RetryCount+1),
				zap.Error(lastErr))
			select {
			case <-time.After(he.config.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			case <-he.shutdown:
				return fmt.Errorf("exporter stopped")
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			lastErr = fmt.Errorf("failed to create request: %w", err)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Sentinel-Agent/1.0")
		if he.config.Username != "" {
			req.SetBasicAuth(he.config.Username, he.config.Password)
		}

		resp, err := he.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			he.logger.Debug("pushed records", zap.Int("status", resp.StatusCode))
			return nil
		}
		lastErr = fmt.Errorf("push failed with status %d: %s", resp.StatusCode, string(respBody))

		// Client errors other than throttling will not succeed on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			break
		}
	}

	return fmt.Errorf("failed to push after %d attempts: %w", he.config.RetryCount+1, lastErr)
}

// Start marks the exporter ready to push.
func (he *HTTPExporter) Start() error {
	he.started = true
	return nil
}

// Stop shuts down the exporter and releases connections.
func (he *HTTPExporter) Stop() error {
	if !he.started {
		return fmt.Errorf("exporter not started")
	}
	he.started = false
	close(he.shutdown)
	he.client.CloseIdleConnections()
	return nil
}

// HealthCheck pings the store root endpoint.
func (he *HTTPExporter) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, he.config.ServerURL+"/", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	if he.config.Username != "" {
		req.SetBasicAuth(he.config.Username, he.config.Password)
	}

	resp, err := he.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("health check failed with status %d", resp.StatusCode)
}
