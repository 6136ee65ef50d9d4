package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func newTestLimiter(rps float64, burst int) (*limiterStore, *fakeClock, *echo.Echo) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: rps, BurstSize: burst, IdleTTL: time.Minute})
	store.now = clock.now

	e := echo.New()
	e.Use(rateLimit(store))
	e.POST("/login", okHandler)
	return store, clock, e
}

func hit(e *echo.Echo, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	_, _, e := newTestLimiter(1, 2)

	for i := 0; i < 2; i++ {
		if rec := hit(e, "10.0.0.1:1000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := hit(e, "10.0.0.1:1000")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("expected Retry-After 1, got %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("expected remaining 0, got %q", got)
	}
}

func TestRateLimit_RefillsOverTime(t *testing.T) {
	_, clock, e := newTestLimiter(1, 1)

	hit(e, "10.0.0.1:1000")
	if rec := hit(e, "10.0.0.1:1000"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	clock.t = clock.t.Add(time.Second)
	if rec := hit(e, "10.0.0.1:1000"); rec.Code != http.StatusOK {
		t.Errorf("expected 200 after refill, got %d", rec.Code)
	}
}

func TestRateLimit_PerClientIsolation(t *testing.T) {
	_, _, e := newTestLimiter(1, 1)

	hit(e, "10.0.0.1:1000")
	if rec := hit(e, "10.0.0.1:1000"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected first client limited, got %d", rec.Code)
	}
	if rec := hit(e, "10.0.0.2:1000"); rec.Code != http.StatusOK {
		t.Errorf("expected second client unaffected, got %d", rec.Code)
	}
}

func TestRateLimit_SweepsIdleClients(t *testing.T) {
	store, clock, e := newTestLimiter(1, 1)

	hit(e, "10.0.0.1:1000")
	hit(e, "10.0.0.2:1000")
	if store.size() != 2 {
		t.Fatalf("expected 2 tracked clients, got %d", store.size())
	}
	clock.t = clock.t.Add(2 * time.Minute)
	hit(e, "10.0.0.3:1000")
	if store.size() != 1 {
		t.Errorf("expected idle clients swept, got %d", store.size())
	}
}

func TestRateLimit_ZeroBurstAlwaysRejects(t *testing.T) {
	_, _, e := newTestLimiter(1, 0)

	if rec := hit(e, "10.0.0.1:1000"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
}
