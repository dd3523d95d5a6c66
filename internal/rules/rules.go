// Package rules dispatches persisted readings to the rule engine for
// evaluation. Dispatch is fire and forget: failures are counted by the
// circuit breaker and logged, never surfaced to the pipeline.
package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"gridstream/internal/logging"
	"gridstream/internal/telemetry"
)

// Config configures the rule dispatch client.
type Config struct {
	// BaseURL of the rule engine, e.g. "http://rule-engine:8080".
	BaseURL string

	// Timeout bounds each dispatch attempt.
	Timeout time.Duration

	// MaxRetries is the total attempt count per dispatch.
	MaxRetries int

	// RetryDelay and RetryMaxDelay shape the backoff between attempts.
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit; BreakerCooldown is how long it stays open.
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Logger for structured logging. Nil disables logging.
	Logger *slog.Logger
}

// Client posts readings to the rule engine.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *Breaker
	logger  *slog.Logger
}

// New creates a rule dispatch client with a closed circuit breaker.
func New(cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	logger := logging.Default(cfg.Logger)
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, logger),
		logger:  logger.With("component", "rules"),
	}
}

// Evaluate sends the reading to the rule engine. When the breaker is open
// the call returns false immediately without network activity; true means a
// dispatch attempt was made, whether or not it succeeded. All outcomes are
// absorbed; the caller never sees an error.
func (c *Client) Evaluate(ctx context.Context, r telemetry.Reading) bool {
	if !c.breaker.Allow() {
		c.logger.Debug("rule dispatch skipped, circuit open", "device_id", r.DeviceID)
		return false
	}

	if err := c.post(ctx, r); err != nil {
		c.breaker.Failure()
		c.logger.Error("rule dispatch failed", "device_id", r.DeviceID, "error", err)
		return true
	}

	c.breaker.Success()
	c.logger.Debug("reading dispatched for rule evaluation", "device_id", r.DeviceID)
	return true
}

// post performs the dispatch with bounded retries on transport errors and
// 5xx responses.
func (c *Client) post(ctx context.Context, r telemetry.Reading) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	evalURL := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/v1/rules/evaluate"

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, evalURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("rule engine returned %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("rule engine returned %d", resp.StatusCode))
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryDelay
	bo.MaxInterval = c.cfg.RetryMaxDelay
	bo.MaxElapsedTime = 0

	return backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries-1)), ctx))
}

// BreakerState exposes the circuit state for health reporting.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// HealthCheck reports whether the rule engine answers its health probe.
func (c *Client) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("rule engine health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
