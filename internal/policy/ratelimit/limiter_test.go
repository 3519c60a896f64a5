package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterAllowPerKey(t *testing.T) {
	t.Parallel()
	l := New(Config{RPS: 0.001, Burst: 2})

	require.True(t, l.Allow("10.0.0.1"))
	require.True(t, l.Allow("10.0.0.1"))
	require.False(t, l.Allow("10.0.0.1"), "burst exhausted")
	require.True(t, l.Allow("10.0.0.2"), "other keys have their own bucket")
	require.Equal(t, 2, l.Len())
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()
	l := New(Config{})
	for range 100 {
		require.True(t, l.Allow("k"))
	}
}

func TestLimiterWait(t *testing.T) {
	t.Parallel()
	l := New(Config{RPS: 20, Burst: 1})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "host"))
	require.NoError(t, l.Wait(ctx, "host"))
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("expected second wait to be delayed, took %v", elapsed)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, l.Wait(cancelled, "host"))
}

func TestLimiterForget(t *testing.T) {
	t.Parallel()
	l := New(Config{RPS: 1, Burst: 1})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("a")
	now = now.Add(10 * time.Minute)
	l.Allow("b")
	require.Equal(t, 1, l.Forget(5*time.Minute))
	require.Equal(t, 1, l.Len())
}

func TestMiddleware(t *testing.T) {
	t.Parallel()
	l := New(Config{RPS: 0.5, Burst: 1})
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/x", nil)
	req.RemoteAddr = "192.0.2.7:5555"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "3", rec.Header().Get("Retry-After"))
	require.Contains(t, rec.Body.String(), "RateLimited")
}
