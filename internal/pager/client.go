// Package pager posts positive AKI predictions to the external pager
// endpoint, with one bounded retry on transient failures.
package pager

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"akidetect/pkg/logging"
	"akidetect/pkg/monitoring"
)

// Outcome classifies one notification after retries are exhausted.
type Outcome int

const (
	// Success means the pager accepted the notification (HTTP 200).
	Success Outcome = iota
	// TransientFailure covers 5xx responses and network errors; worth one
	// retry, after which the notification is dropped.
	TransientFailure
	// PermanentFailure covers every other HTTP status; never retried.
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

const (
	requestTimeout = 200 * time.Millisecond
	retryDelay     = 2 * time.Second
	maxRetries     = 1
)

// Client notifies the pager endpoint. Safe for use from a single pipeline
// task; the underlying http.Client handles its own pooling.
type Client struct {
	url     string
	client  *http.Client
	retries failsafe.Executor[Outcome]
	logger  logging.Logger
	metrics *monitoring.Metrics
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient swaps the HTTP client, keeping the configured timeout
// unless the replacement sets its own.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

// WithRetryDelay overrides the fixed delay between attempts. Tests use it to
// keep the retry path fast.
func WithRetryDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.retries = newRetryExecutor(delay)
	}
}

// New builds a Client for the configured pager address. Bare host:port
// values get an http scheme, and the /page path is appended when missing.
func New(rawAddr string, logger logging.Logger, metrics *monitoring.Metrics, opts ...Option) (*Client, error) {
	normalized, err := normalizeAddress(rawAddr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		url:     normalized,
		client:  &http.Client{Timeout: requestTimeout},
		retries: newRetryExecutor(retryDelay),
		logger:  logger,
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func newRetryExecutor(delay time.Duration) failsafe.Executor[Outcome] {
	policy := retrypolicy.NewBuilder[Outcome]().
		HandleIf(func(outcome Outcome, _ error) bool {
			return outcome == TransientFailure
		}).
		WithDelay(delay).
		WithMaxRetries(maxRetries).
		ReturnLastFailure().
		Build()
	return failsafe.With(policy)
}

func normalizeAddress(rawAddr string) (string, error) {
	addr := strings.TrimSpace(rawAddr)
	if addr == "" {
		return "", fmt.Errorf("pager address is required")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	parsed, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("invalid pager address %q: %w", rawAddr, err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("pager address %q has no host", rawAddr)
	}
	if !strings.HasSuffix(parsed.Path, "/page") {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/page"
	}
	return parsed.String(), nil
}

// Notify posts "<identity>,<timestamp>" to the pager and returns the final
// outcome after at most one retry. A second transient failure or a permanent
// failure means the notification is dropped; the caller carries on.
func (c *Client) Notify(ctx context.Context, identity, timestamp string) Outcome {
	body := identity + "," + timestamp

	outcome, err := c.retries.WithContext(ctx).Get(func() (Outcome, error) {
		attempt := c.attempt(ctx, body)
		if c.metrics != nil {
			status := "error"
			if attempt == Success {
				status = "success"
			}
			c.metrics.PagerRequests.WithLabelValues(status).Inc()
		}
		return attempt, nil
	})
	if err != nil {
		// Only the context can error here; the shutdown path drops the
		// notification like a second transient failure would.
		c.logger.WithError(err).WithField("identity", identity).
			Warn("Pager notification abandoned")
		return TransientFailure
	}

	switch outcome {
	case Success:
		c.logger.WithField("identity", identity).Info("Pager notified")
	case TransientFailure:
		c.logger.WithField("identity", identity).
			Warn("Pager notification dropped after retry")
	case PermanentFailure:
		c.logger.WithField("identity", identity).
			Warn("Pager rejected notification")
	}
	return outcome
}

// attempt performs one POST and classifies the result.
func (c *Client) attempt(ctx context.Context, body string) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(body))
	if err != nil {
		return PermanentFailure
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.client.Do(req)
	if err != nil {
		// Connection refused, timeout, DNS, reset: all transient.
		return TransientFailure
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
		return Success
	case resp.StatusCode >= 500:
		return TransientFailure
	default:
		return PermanentFailure
	}
}
