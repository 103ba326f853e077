package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/go-company/internal/config"
	"github.com/basket/go-company/internal/gateway"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_Credentials(t *testing.T) {
	am := gateway.NewAuthMiddleware("daemon-token", config.AuthConfig{
		Enabled: true,
		APIKeys: []config.APIKeyEntry{{Name: "ci", Key: "ci-key"}},
	})
	handler := am.Wrap(okHandler())

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		target string
		want   int
	}{
		{"daemon token bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer daemon-token") }, "/api/tasks", http.StatusOK},
		{"api key header", func(r *http.Request) { r.Header.Set("X-API-Key", "ci-key") }, "/api/tasks", http.StatusOK},
		{"query param", func(r *http.Request) {}, "/ws?api_key=ci-key", http.StatusOK},
		{"wrong key", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, "/api/tasks", http.StatusUnauthorized},
		{"missing key", func(r *http.Request) {}, "/api/tasks", http.StatusUnauthorized},
		{"healthz is public", func(r *http.Request) {}, "/healthz", http.StatusOK},
		{"inbox is public", func(r *http.Request) {}, "/api/inbox", http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestAuthMiddleware_APIKeysIgnoredWhenDisabled(t *testing.T) {
	am := gateway.NewAuthMiddleware("daemon-token", config.AuthConfig{
		Enabled: false,
		APIKeys: []config.APIKeyEntry{{Name: "ci", Key: "ci-key"}},
	})
	handler := am.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("X-API-Key", "ci-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddleware_ContextInjection(t *testing.T) {
	am := gateway.NewAuthMiddleware("", config.AuthConfig{
		Enabled: true,
		APIKeys: []config.APIKeyEntry{{Name: "ci", Key: "ci-key", Scopes: []string{"read"}}},
	})
	var got config.APIKeyEntry
	handler := am.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry, ok := gateway.KeyFromContext(r.Context())
		if !ok {
			t.Fatal("expected key in context")
		}
		got = entry
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("Authorization", "Bearer ci-key")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got.Name != "ci" || len(got.Scopes) != 1 {
		t.Fatalf("unexpected key entry: %+v", got)
	}
}
