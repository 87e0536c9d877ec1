// Package verification sends purchase proofs to the backend entitlement
// service and turns its answer into an entitlement record.
package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
	"github.com/felixgeelhaar/premiumsync/pkg/observability"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// VerifyPath is the backend route for proof verification.
const VerifyPath = "/subscriptions/verify"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// HTTPDoer is the transport collaborator. *http.Client satisfies it; an
// oauth2 client injects credentials.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures the verification client.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     Backoff

	// RateLimit bounds calls per second to the backend; 0 disables limiting.
	RateLimit float64
	RateBurst int

	// CircuitBreakerEnabled short-circuits calls after FailureThreshold
	// consecutive transient failures, for OpenTimeout.
	CircuitBreakerEnabled bool
	FailureThreshold      uint32
	OpenTimeout           time.Duration
}

// DefaultConfig returns three attempts with 500ms/2x/4s backoff.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:               baseURL,
		Timeout:               10 * time.Second,
		MaxAttempts:           3,
		Backoff:               DefaultBackoff(),
		RateBurst:             1,
		CircuitBreakerEnabled: true,
		FailureThreshold:      5,
		OpenTimeout:           30 * time.Second,
	}
}

// Client verifies purchase proofs against the backend. It assigns no request
// id of its own; repeated calls rely on the backend being idempotent over
// the proof payload.
type Client struct {
	cfg     Config
	http    HTTPDoer
	breaker *gobreaker.CircuitBreaker[domain.EntitlementRecord]
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics observability.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option customizes a Client.
type Option func(*Client)

// WithMetrics records attempts and outcomes.
func WithMetrics(m observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithClock sets the clock used to stamp VerifiedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// NewClient creates a verification client.
func NewClient(cfg Config, httpClient HTTPDoer, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:     cfg,
		http:    httpClient,
		logger:  logger,
		metrics: observability.NoopMetrics{},
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	if cfg.CircuitBreakerEnabled {
		threshold := cfg.FailureThreshold
		if threshold == 0 {
			threshold = 5
		}
		c.breaker = gobreaker.NewCircuitBreaker[domain.EntitlementRecord](gobreaker.Settings{
			Name:        "verification",
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			// A rejected proof is a healthy backend answering.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, domain.ErrInvalidProof)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Info("circuit breaker state changed",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		})
	}

	return c
}

type verifyResponse struct {
	IsActive  bool    `json:"isActive"`
	ProductID *string `json:"productId"`
	ExpiresAt *string `json:"expiresAt"`
}

type errorResponse struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

// Verify sends the proof to the backend. Network failures, 408, 429 and 5xx
// are retried up to MaxAttempts with backoff; any other 4xx fails
// immediately with ErrInvalidProof.
func (c *Client) Verify(ctx context.Context, req domain.VerificationRequest) (domain.EntitlementRecord, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.EntitlementRecord{}, fmt.Errorf("encode verification request: %w", err)
	}

	start := time.Now()
	var lastErr *domain.VerificationError
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.cfg.Backoff.Delay(attempt - 2)
			c.logger.Debug("retrying verification",
				"product_id", req.ProductID,
				"attempt", attempt,
				"delay_ms", delay.Milliseconds(),
			)
			if err := c.sleep(ctx, delay); err != nil {
				lastErr.Err = errors.Join(lastErr.Err, err)
				break
			}
		}

		record, err := c.attempt(ctx, body)
		if err == nil {
			c.metrics.Counter(observability.MetricVerifyAttempts, 1, observability.T("result", "ok"))
			c.metrics.Timing(observability.MetricVerifyDuration, time.Since(start), observability.T("result", "ok"))
			return record, nil
		}

		var verr *domain.VerificationError
		if !errors.As(err, &verr) {
			verr = &domain.VerificationError{Kind: domain.KindTransient, Err: err}
		}
		verr.Attempts = attempt
		lastErr = verr
		c.metrics.Counter(observability.MetricVerifyAttempts, 1, observability.T("result", string(verr.Kind)))

		if !verr.Retryable() {
			break
		}
		c.logger.Warn("verification attempt failed",
			"product_id", req.ProductID,
			"attempt", attempt,
			"code", verr.Code,
			"error", verr,
		)
	}

	c.metrics.Timing(observability.MetricVerifyDuration, time.Since(start), observability.T("result", string(lastErr.Kind)))
	return domain.EntitlementRecord{}, lastErr
}

// attempt performs one call, through the circuit breaker when enabled.
func (c *Client) attempt(ctx context.Context, body []byte) (domain.EntitlementRecord, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.EntitlementRecord{}, &domain.VerificationError{Kind: domain.KindTransient, Err: err}
		}
	}

	if c.breaker == nil {
		return c.post(ctx, body)
	}

	record, err := c.breaker.Execute(func() (domain.EntitlementRecord, error) {
		return c.post(ctx, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.EntitlementRecord{}, &domain.VerificationError{
			Kind:    domain.KindTransient,
			Message: "verification endpoint short-circuited",
			Err:     domain.ErrCircuitOpen,
		}
	}
	return record, err
}

func (c *Client) post(ctx context.Context, body []byte) (domain.EntitlementRecord, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+VerifyPath, bytes.NewReader(body))
	if err != nil {
		return domain.EntitlementRecord{}, fmt.Errorf("build verification request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return domain.EntitlementRecord{}, &domain.VerificationError{Kind: domain.KindTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return c.decodeRecord(resp)
	}
	return domain.EntitlementRecord{}, decodeFailure(resp)
}

func (c *Client) decodeRecord(resp *http.Response) (domain.EntitlementRecord, error) {
	var payload verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		// The backend answered but garbled the body; the call is safe to repeat.
		return domain.EntitlementRecord{}, &domain.VerificationError{
			Kind:    domain.KindTransient,
			Code:    resp.StatusCode,
			Message: "malformed verification response",
			Err:     err,
		}
	}

	record := domain.EntitlementRecord{
		IsActive:   payload.IsActive,
		VerifiedAt: c.now().UTC(),
		Source:     domain.SourceVerify,
	}
	if payload.ProductID != nil {
		record.ProductID = *payload.ProductID
	}
	if payload.ExpiresAt != nil && *payload.ExpiresAt != "" {
		expiresAt, err := time.Parse(time.RFC3339, *payload.ExpiresAt)
		if err != nil {
			return domain.EntitlementRecord{}, &domain.VerificationError{
				Kind:    domain.KindTransient,
				Code:    resp.StatusCode,
				Message: "malformed expiresAt",
				Err:     err,
			}
		}
		expiresAt = expiresAt.UTC()
		record.ExpiresAt = &expiresAt
	}
	return record, nil
}

func decodeFailure(resp *http.Response) error {
	verr := &domain.VerificationError{Code: resp.StatusCode}
	if isTransientStatus(resp.StatusCode) {
		verr.Kind = domain.KindTransient
	} else {
		verr.Kind = domain.KindInvalid
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload errorResponse
	if err := json.Unmarshal(raw, &payload); err == nil {
		verr.Reason = rawCode(payload.Code)
		verr.Message = payload.Message
	}
	if verr.Message == "" {
		verr.Message = http.StatusText(resp.StatusCode)
	}
	return verr
}

func isTransientStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// rawCode accepts both string and numeric error codes.
func rawCode(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return strconv.Quote(string(raw))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
