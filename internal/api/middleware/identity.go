package middleware

import (
	"net/http"
	"strings"

	pkgmw "github.com/agentoven/dxtr/pkg/middleware"
)

// UserHeader carries the caller's user id.
const UserHeader = "X-User-Id"

// Identity extracts the caller's user id from the X-User-Id header, falling
// back to the user_id query parameter (for SSE clients that cannot set
// headers).
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get(UserHeader))
		if user == "" {
			user = strings.TrimSpace(r.URL.Query().Get("user_id"))
		}
		next.ServeHTTP(w, r.WithContext(pkgmw.SetUser(r.Context(), user)))
	})
}
