// Package enrich attaches device metadata to readings by querying the device
// registry service. Enrichment is best effort: Enrich never returns an error
// to the caller, and persistence is never conditional on its outcome.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"gridstream/internal/logging"
	"gridstream/internal/telemetry"
)

// Config configures the enrichment client.
type Config struct {
	// BaseURL of the device registry, e.g. "http://device-service:8080".
	BaseURL string

	// Timeout bounds each lookup attempt.
	Timeout time.Duration

	// MaxRetries is the total attempt count for transient failures.
	MaxRetries int

	// RetryDelay and RetryMaxDelay shape the exponential backoff between
	// attempts.
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	// Logger for structured logging. Nil disables logging.
	Logger *slog.Logger
}

// Client looks up device metadata over HTTP.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New creates an enrichment client.
func New(cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logging.Default(cfg.Logger).With("component", "enrich"),
	}
}

// Enrich fetches metadata for the reading's device and transitions the
// enrichment status exactly once:
//
//   - lookup succeeded (including a definitive not-found): success
//   - every attempt timed out: timeout
//   - any other exhausted failure: failed
//
// The reading is otherwise returned unchanged. Enrich never panics and never
// propagates an error.
func (c *Client) Enrich(ctx context.Context, r *telemetry.Reading) {
	meta, err := c.fetchMetadata(ctx, r.DeviceID)
	if err != nil {
		if isTimeout(err) {
			c.logger.Warn("enrichment timeout", "device_id", r.DeviceID, "timeout", c.cfg.Timeout)
			r.EnrichmentStatus = telemetry.EnrichmentTimeout
		} else {
			c.logger.Error("enrichment failed", "device_id", r.DeviceID, "error", err)
			r.EnrichmentStatus = telemetry.EnrichmentFailed
		}
		return
	}

	r.DeviceMetadata = meta
	r.EnrichmentStatus = telemetry.EnrichmentSuccess
	r.EnrichedAt = time.Now().UTC()

	c.logger.Debug("reading enriched",
		"device_id", r.DeviceID,
		"device_name", meta.Name,
		"device_type", meta.Type)
}

// fetchMetadata performs the lookup with bounded retries. Only transient
// transport errors and 5xx responses are retried; a 404 resolves immediately
// to the unknown-device placeholder.
func (c *Client) fetchMetadata(ctx context.Context, deviceID string) (*telemetry.DeviceMetadata, error) {
	lookupURL := fmt.Sprintf("%s/api/v1/devices/%s", strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(deviceID))

	var meta *telemetry.DeviceMetadata
	op := func() error {
		m, err := c.lookup(ctx, lookupURL, deviceID)
		if err != nil {
			return err
		}
		meta = m
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryDelay
	bo.MaxInterval = c.cfg.RetryMaxDelay
	bo.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries-1)), ctx))
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// lookup performs one GET attempt.
func (c *Client) lookup(ctx context.Context, lookupURL, deviceID string) (*telemetry.DeviceMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err // transport error, retryable
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// The device is real but unregistered: a valid answer, not an error.
		c.logger.Warn("device not found in registry", "device_id", deviceID)
		return telemetry.UnknownDevice(deviceID), nil

	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("device service returned %d", resp.StatusCode)

	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(fmt.Errorf("device service returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return parseDevice(body, deviceID)
}

// deviceRecord mirrors the registry's response schema.
type deviceRecord struct {
	DeviceID     string `json:"device_id"`
	DeviceName   string `json:"device_name"`
	DeviceType   string `json:"device_type"`
	Location     string `json:"location"`
	Status       string `json:"status"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
}

// parseDevice accepts both the enveloped `{"data": {...}}` and flat response
// shapes the registry has produced across versions.
func parseDevice(body []byte, deviceID string) (*telemetry.DeviceMetadata, error) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 {
		body = envelope.Data
	}

	var rec deviceRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode device response: %w", err))
	}
	if rec.DeviceID == "" {
		rec.DeviceID = deviceID
	}

	return &telemetry.DeviceMetadata{
		ID:           rec.DeviceID,
		Name:         rec.DeviceName,
		Type:         rec.DeviceType,
		Location:     rec.Location,
		Status:       rec.Status,
		Manufacturer: rec.Manufacturer,
		Model:        rec.Model,
	}, nil
}

// HealthCheck reports whether the device registry answers its health probe.
func (c *Client) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("device service health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// isTimeout reports whether the final lookup error was a timeout rather than
// some other failure.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
