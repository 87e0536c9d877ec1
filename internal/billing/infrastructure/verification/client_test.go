package verification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
	"github.com/felixgeelhaar/premiumsync/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate func(*Config)) (*Client, *recordedSleeps) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig(srv.URL)
	cfg.Backoff.Jitter = NoJitter
	cfg.CircuitBreakerEnabled = false
	if mutate != nil {
		mutate(&cfg)
	}
	sleeps := &recordedSleeps{}
	c := NewClient(cfg, srv.Client(), nil,
		WithClock(func() time.Time { return fixedNow }),
		WithSleep(sleeps.sleep),
	)
	return c, sleeps
}

func request() domain.VerificationRequest {
	return domain.VerificationRequest{
		Platform:     domain.PlatformAndroid,
		ProductID:    domain.SKUMonthlyPremium,
		ProofPayload: "token-abc",
	}
}

func TestVerify_Success(t *testing.T) {
	var got domain.VerificationRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, VerifyPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"isActive":true,"productId":"monthly_premium","expiresAt":"2026-06-01T10:00:00Z"}`))
	}, nil)

	record, err := client.Verify(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, request(), got)
	assert.True(t, record.IsActive)
	assert.Equal(t, domain.SKUMonthlyPremium, record.ProductID)
	require.NotNil(t, record.ExpiresAt)
	assert.Equal(t, time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC), *record.ExpiresAt)
	assert.Equal(t, fixedNow, record.VerifiedAt)
	assert.Equal(t, domain.SourceVerify, record.Source)
}

func TestVerify_NullFields(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"isActive":false,"productId":null,"expiresAt":null}`))
	}, nil)

	record, err := client.Verify(context.Background(), request())
	require.NoError(t, err)
	assert.False(t, record.IsActive)
	assert.Empty(t, record.ProductID)
	assert.Nil(t, record.ExpiresAt)
}

// VerifiedAt is stamped from the client clock, so only the verified fields
// are expected to match across calls.
func TestVerify_IdenticalProofYieldsSameEntitlement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"isActive":true,"productId":"monthly_premium","expiresAt":"2026-06-01T10:00:00Z"}`))
	}))
	t.Cleanup(srv.Close)

	var ticks atomic.Int64
	cfg := DefaultConfig(srv.URL)
	cfg.CircuitBreakerEnabled = false
	client := NewClient(cfg, srv.Client(), nil, WithClock(func() time.Time {
		return fixedNow.Add(time.Duration(ticks.Add(1)) * time.Second)
	}))

	first, err := client.Verify(context.Background(), request())
	require.NoError(t, err)
	second, err := client.Verify(context.Background(), request())
	require.NoError(t, err)

	assert.True(t, second.VerifiedAt.After(first.VerifiedAt))
	first.VerifiedAt, second.VerifiedAt = time.Time{}, time.Time{}
	assert.Equal(t, first, second)
}

func TestVerify_400NeverRetried(t *testing.T) {
	var calls atomic.Int32
	client, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"PROOF_CONSUMED","message":"receipt already used"}`))
	}, nil)

	_, err := client.Verify(context.Background(), request())
	require.Error(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, sleeps.delays)
	assert.True(t, errors.Is(err, domain.ErrInvalidProof))

	var verr *domain.VerificationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 400, verr.Code)
	assert.Equal(t, "PROOF_CONSUMED", verr.Reason)
	assert.Equal(t, "receipt already used", verr.Message)
	assert.Equal(t, 1, verr.Attempts)
}

func TestVerify_503RetriedThreeTimesThenSurfaced(t *testing.T) {
	var calls atomic.Int32
	client, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":503,"message":"try later"}`))
	}, nil)

	_, err := client.Verify(context.Background(), request())
	require.Error(t, err)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, sleeps.delays)
	assert.True(t, errors.Is(err, domain.ErrTransientNetwork))
	assert.True(t, domain.IsPermanent(err))

	var verr *domain.VerificationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 503, verr.Code)
	assert.Equal(t, "503", verr.Reason)
	assert.Equal(t, 3, verr.Attempts)
}

func TestVerify_RecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	client, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"isActive":true,"productId":"monthly_premium"}`))
	}, nil)

	record, err := client.Verify(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, record.IsActive)
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, sleeps.delays, 1)
}

func TestVerify_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	cfg := DefaultConfig(url)
	cfg.CircuitBreakerEnabled = false
	sleeps := &recordedSleeps{}
	client := NewClient(cfg, nil, nil, WithSleep(sleeps.sleep))

	_, err := client.Verify(context.Background(), request())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransientNetwork))
	assert.Len(t, sleeps.delays, 2)
}

func TestVerify_CancelledContextStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Verify(ctx, request())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.LessOrEqual(t, calls.Load(), int32(1))
}

func TestVerify_MalformedBodyIsTransient(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`not json`))
	}, nil)

	_, err := client.Verify(context.Background(), request())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransientNetwork))
	assert.Equal(t, int32(3), calls.Load())
}

func TestVerify_CircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, func(cfg *Config) {
		cfg.CircuitBreakerEnabled = true
		cfg.FailureThreshold = 2
		cfg.OpenTimeout = time.Hour
	})

	_, err := client.Verify(context.Background(), request())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCircuitOpen))
	assert.Equal(t, int32(2), calls.Load())
}

func TestVerify_InvalidProofDoesNotTripBreaker(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}, func(cfg *Config) {
		cfg.CircuitBreakerEnabled = true
		cfg.FailureThreshold = 1
		cfg.OpenTimeout = time.Hour
	})

	for i := 0; i < 3; i++ {
		_, err := client.Verify(context.Background(), request())
		assert.True(t, errors.Is(err, domain.ErrInvalidProof))
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestVerify_RecordsMetrics(t *testing.T) {
	metrics := observability.NewInMemoryMetrics()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"isActive":true}`))
	}))
	defer srv.Close()

	client := NewClient(DefaultConfig(srv.URL), srv.Client(), nil, WithMetrics(metrics))
	_, err := client.Verify(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, int64(1), metrics.GetCounter(observability.MetricVerifyAttempts, observability.T("result", "ok")))
	assert.Len(t, metrics.GetTimings(observability.MetricVerifyDuration, observability.T("result", "ok")), 1)
}

func TestBackoff_Delay(t *testing.T) {
	b := DefaultBackoff()
	b.Jitter = NoJitter

	assert.Equal(t, 500*time.Millisecond, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 4*time.Second, b.Delay(10))
}

func TestBackoff_EqualJitterBounds(t *testing.T) {
	b := DefaultBackoff()
	for retry := 0; retry < 5; retry++ {
		ceiling := b.ceiling(retry)
		for i := 0; i < 50; i++ {
			d := b.Delay(retry)
			assert.GreaterOrEqual(t, d, ceiling/2)
			assert.LessOrEqual(t, d, ceiling)
		}
	}
}
