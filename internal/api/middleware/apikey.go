package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	pkgmw "github.com/agentoven/dxtr/pkg/middleware"
)

// APIKeyAuth guards administrative routes (session reset).
//
// Keys come from DXTR_ADMIN_KEYS as a comma-separated list and are accepted
// via:
//   - Authorization: Bearer <key>
//   - X-API-Key: <key>
//
// With no keys configured every admin request is refused; resetting a
// session is never open to anonymous callers.
type APIKeyAuth struct {
	keys [][]byte
}

func NewAPIKeyAuth(keys []string) *APIKeyAuth {
	a := &APIKeyAuth{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			a.keys = append(a.keys, []byte(k))
		}
	}
	return a
}

// Enabled reports whether any admin key is configured.
func (a *APIKeyAuth) Enabled() bool {
	return len(a.keys) > 0
}

// Middleware rejects requests without a valid admin key.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			respondUnauthorized(w, http.StatusForbidden, "Admin operations are disabled. Set DXTR_ADMIN_KEYS to enable them.")
			return
		}

		apiKey := extractAPIKey(r)
		if apiKey == "" {
			respondUnauthorized(w, http.StatusUnauthorized, "API key required. Set Authorization: Bearer <key> or X-API-Key header.")
			return
		}
		if !a.validateKey(apiKey) {
			respondUnauthorized(w, http.StatusUnauthorized, "Invalid API key.")
			return
		}

		next.ServeHTTP(w, r.WithContext(pkgmw.SetAdmin(r.Context())))
	})
}

func (a *APIKeyAuth) validateKey(candidate string) bool {
	ok := false
	for _, key := range a.keys {
		// Compare against every key so timing does not reveal which matched.
		if subtle.ConstantTimeCompare([]byte(candidate), key) == 1 {
			ok = true
		}
	}
	return ok
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func respondUnauthorized(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="dxtr"`)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}

// Mark flags requests that carry a valid admin key without rejecting the
// rest, for routes where admins see more than ordinary callers.
func (a *APIKeyAuth) Mark(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := extractAPIKey(r); key != "" && a.Enabled() && a.validateKey(key) {
			r = r.WithContext(pkgmw.SetAdmin(r.Context()))
		}
		next.ServeHTTP(w, r)
	})
}
