package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/go-company/internal/audit"
	"github.com/basket/go-company/internal/config"
)

type authContextKey struct{}

// publicPaths skip bearer auth. The inbox webhook checks its own secret.
var publicPaths = map[string]bool{
	"/healthz":   true,
	"/api/inbox": true,
}

// AuthMiddleware accepts the daemon token plus any configured API keys.
type AuthMiddleware struct {
	token string
	keys  []config.APIKeyEntry
}

// NewAuthMiddleware builds the middleware. API keys only count when
// cfg.Enabled is set; the daemon token is always accepted.
func NewAuthMiddleware(token string, cfg config.AuthConfig) *AuthMiddleware {
	am := &AuthMiddleware{token: strings.TrimSpace(token)}
	if cfg.Enabled {
		for _, k := range cfg.APIKeys {
			if strings.TrimSpace(k.Key) != "" {
				am.keys = append(am.keys, k)
			}
		}
	}
	return am
}

func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		entry, ok := am.lookup(key)
		if !ok {
			audit.Record("deny", "api.auth", "invalid_credentials", "", r.Method+" "+r.URL.Path)
			writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authContextKey{}, entry)))
	})
}

// ExtractAPIKey reads Authorization: Bearer, then X-API-Key, then the
// api_key query parameter (browsers can not set headers on websockets).
func ExtractAPIKey(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

func (am *AuthMiddleware) lookup(candidate string) (config.APIKeyEntry, bool) {
	if am.token != "" && subtle.ConstantTimeCompare([]byte(candidate), []byte(am.token)) == 1 {
		return config.APIKeyEntry{Name: "daemon"}, true
	}
	for _, k := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k.Key)) == 1 {
			return k, true
		}
	}
	return config.APIKeyEntry{}, false
}

// KeyFromContext returns the key entry that authenticated the request.
func KeyFromContext(ctx context.Context) (config.APIKeyEntry, bool) {
	entry, ok := ctx.Value(authContextKey{}).(config.APIKeyEntry)
	return entry, ok
}

func secretEquals(provided, want string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(want)) == 1
}

// actor names the credential behind r for the operational audit log.
func actor(r *http.Request) string {
	if entry, ok := KeyFromContext(r.Context()); ok && entry.Name != "" {
		return "api:" + entry.Name
	}
	return "api"
}
