package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/healthpal/healthpal-api/internal/platform/auth"
)

type fakeGenerator struct {
	prompt string
	answer string
	err    error
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return f.answer, f.err
}

func newTestServer(gen Generator) (*echo.Echo, *auth.TokenService) {
	tokens := auth.NewTokenService([]byte("test-secret-key-for-unit-tests-only"), "healthpal", time.Hour)
	e := echo.New()
	NewHandler(gen, zerolog.Nop()).RegisterRoutes(e.Group("/api/ai"), auth.Protect(tokens))
	return e, tokens
}

func post(e *echo.Echo, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/ai/health-assistant", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthAssistant_Answers(t *testing.T) {
	gen := &fakeGenerator{answer: "Rest and fluids."}
	e, _ := newTestServer(gen)

	rec := post(e, `{"query":"  What helps a cold?  "}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body assistantResponse
	json.Unmarshal(rec.Body.Bytes(), &body)
	if !body.Success || body.Answer != "Rest and fluids." {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	if !strings.Contains(gen.prompt, "You are HealthPal") || !strings.Contains(gen.prompt, "\nWhat helps a cold?\n") {
		t.Errorf("unexpected prompt %q", gen.prompt)
	}
}

func TestHealthAssistant_Errors(t *testing.T) {
	tests := []struct {
		name string
		gen  Generator
		body string
		want int
	}{
		{"missing query", &fakeGenerator{}, `{}`, http.StatusBadRequest},
		{"blank query", &fakeGenerator{}, `{"query":"   "}`, http.StatusBadRequest},
		{"oversized query", &fakeGenerator{}, `{"query":"` + strings.Repeat("a", maxQueryLength+1) + `"}`, http.StatusBadRequest},
		{"not configured", nil, `{"query":"hi"}`, http.StatusServiceUnavailable},
		{"upstream failure", &fakeGenerator{err: errors.New("quota")}, `{"query":"hi"}`, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestServer(tt.gen)
			if rec := post(e, tt.body); rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestPlaceholderRoutesRequireAuth(t *testing.T) {
	e, tokens := newTestServer(&fakeGenerator{})
	token, _ := tokens.Issue("3f1c1f9e-0b7a-4a53-9a5e-2f0f3b8a6d11", "doctor")

	for _, path := range []string{"/api/ai/insights/p-1", "/api/ai/medication-info"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: expected 401, got %d", path, rec.Code)
		}

		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "coming soon") {
			t.Errorf("%s: unexpected response %d %s", path, rec.Code, rec.Body.String())
		}
	}
}
