package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_RecordAuth(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAuth("login", "success")
	c.RecordAuth("login", "success")
	c.RecordAuth("login", "invalid_credentials")

	if got := testutil.ToFloat64(c.authAttempts.WithLabelValues("login", "success")); got != 2 {
		t.Errorf("expected 2 successes, got %v", got)
	}
	if got := testutil.ToFloat64(c.authAttempts.WithLabelValues("login", "invalid_credentials")); got != 1 {
		t.Errorf("expected 1 failure, got %v", got)
	}
}

func TestCollector_Realtime(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.RoomCountChanged(3)
	c.MessageRelayed(2)
	c.MessageRelayed(0)
	c.MessageDropped()

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"connections", testutil.ToFloat64(c.wsConnections), 1},
		{"rooms", testutil.ToFloat64(c.rooms), 3},
		{"relayed", testutil.ToFloat64(c.relayed), 2},
		{"delivered", testutil.ToFloat64(c.delivered), 2},
		{"dropped", testutil.ToFloat64(c.dropped), 1},
	}
	for _, ck := range checks {
		if ck.got != ck.want {
			t.Errorf("%s: expected %v, got %v", ck.name, ck.want, ck.got)
		}
	}
}

func TestCollector_MiddlewareUsesRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	e := echo.New()
	e.Use(c.Middleware())
	e.GET("/api/admin/identities/:id", func(ctx echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "User not found")
	})

	for _, id := range []string{"a", "b"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/admin/identities/"+id, nil))
	}

	if n := testutil.CollectAndCount(c.httpDuration); n != 1 {
		t.Errorf("expected one series, got %d", n)
	}
	if got := testutil.ToFloat64(c.httpInFlight); got != 0 {
		t.Errorf("expected no requests in flight, got %v", got)
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordAuth("register", "duplicate")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `healthpal_auth_attempts_total{method="register",outcome="duplicate"} 1`) {
		t.Errorf("expected auth counter in exposition, got:\n%s", rec.Body.String())
	}
}
