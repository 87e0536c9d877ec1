package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: LogFormatText, Output: &buf, ServiceName: "premiumsync"})

	logger.Info("verified", "product_id", "monthly_premium")
	logger.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "verified")
	assert.Contains(t, out, "product_id=monthly_premium")
	assert.Contains(t, out, "service=premiumsync")
	assert.NotContains(t, out, "hidden")
}

func TestNewLogger_JSONWithCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: LogFormatJSON, Output: &buf})

	ctx := WithCorrelationID(context.Background(), "corr-1")
	logger.InfoContext(ctx, "restore started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "restore started", entry["msg"])
	assert.Equal(t, "corr-1", entry[CorrelationIDKey])
}

func TestLogConfigFor(t *testing.T) {
	t.Setenv("PREMIUMSYNC_LOG_FORMAT", "")

	dev := LogConfigFor("development", "")
	assert.Equal(t, LogFormatText, dev.Format)
	assert.Equal(t, "info", dev.Level)

	prod := LogConfigFor("production", "warn")
	assert.Equal(t, LogFormatJSON, prod.Format)
	assert.Equal(t, "warn", prod.Level)
	assert.True(t, prod.AddSource)

	t.Setenv("PREMIUMSYNC_LOG_FORMAT", "json")
	assert.Equal(t, LogFormatJSON, LogConfigFor("development", "").Format)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestWithCorrelationID_Generates(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "")
	assert.Len(t, CorrelationIDFromContext(ctx), 36)
	assert.Equal(t, "", CorrelationIDFromContext(context.Background()))
}

func TestInMemoryMetrics_TagOrderIndependent(t *testing.T) {
	m := NewInMemoryMetrics()
	m.Counter(MetricVerifyAttempts, 1, T("result", "ok"), T("code", "200"))
	m.Counter(MetricVerifyAttempts, 2, T("code", "200"), T("result", "ok"))
	m.Gauge(MetricInFlight, 3)
	m.Timing(MetricVerifyDuration, time.Second)

	assert.Equal(t, int64(3), m.GetCounter(MetricVerifyAttempts, T("code", "200"), T("result", "ok")))
	assert.Equal(t, 3.0, m.GetGauge(MetricInFlight))
	assert.Len(t, m.GetTimings(MetricVerifyDuration), 1)
}

func TestPrometheusMetrics_Exposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.Counter(MetricEventsReceived, 2, T("source", "live"))
	m.Gauge(MetricPendingAcks, 1)
	m.Timing(MetricVerifyDuration, 250*time.Millisecond, T("result", "ok"))
	// mismatched label set is dropped rather than panicking
	m.Counter(MetricEventsReceived, 1, T("other", "x"))

	rec := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, `premiumsync_purchase_events_total{source="live"} 2`)
	assert.Contains(t, body, "premiumsync_acknowledgments_pending 1")
	assert.Contains(t, body, "premiumsync_verify_duration_seconds_count")
}

func TestHealthRegistry(t *testing.T) {
	reg := NewHealthRegistry()
	reg.Register("sqlite", PingChecker("sqlite", HealthStatusUnhealthy, func(context.Context) error { return nil }))
	reg.Register("redis", PingChecker("redis", HealthStatusDegraded, func(context.Context) error { return errors.New("refused") }))

	health := reg.Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, health.Status)
	assert.True(t, strings.Contains(health.Checks["redis"].Message, "refused"))

	reg.Register("backend", PingChecker("backend", HealthStatusUnhealthy, func(context.Context) error { return errors.New("down") }))
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
