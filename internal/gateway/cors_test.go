package gateway_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/go-company/internal/config"
	"github.com/basket/go-company/internal/gateway"
)

func TestCORS_PreflightHeaders(t *testing.T) {
	handler := gateway.NewCORSMiddleware(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"http://localhost:3000"},
		MaxAge:         600,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("preflight should not reach the handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/tasks", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != "600" {
		t.Fatalf("unexpected max-age %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "X-Inbox-Secret") {
		t.Fatalf("default headers missing X-Inbox-Secret: %q", got)
	}
}

func TestCORS_Origins(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{"allowed", []string{"http://a.test"}, "http://a.test", "http://a.test"},
		{"disallowed", []string{"http://a.test"}, "http://evil.test", ""},
		{"wildcard", []string{"*"}, "http://any.test", "http://any.test"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler := gateway.NewCORSMiddleware(config.CORSConfig{Enabled: true, AllowedOrigins: tc.allowed})(okHandler())
			req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
			req.Header.Set("Origin", tc.origin)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.want {
				t.Fatalf("allow-origin = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCORS_Disabled(t *testing.T) {
	handler := gateway.NewCORSMiddleware(config.CORSConfig{})(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("Origin", "http://a.test")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "" {
		t.Fatalf("expected no CORS headers when disabled, got %q", origin)
	}
}

func TestRequestSizeLimitMiddleware(t *testing.T) {
	var readErr error
	handler := gateway.RequestSizeLimitMiddleware(100)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader("small"))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if readErr != nil {
		t.Fatalf("small body: %v", readErr)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(strings.Repeat("x", 200)))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	var tooLarge *http.MaxBytesError
	if !errors.As(readErr, &tooLarge) {
		t.Fatalf("expected MaxBytesError, got %v", readErr)
	}
}
