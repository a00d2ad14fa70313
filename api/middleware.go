package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// AuthMiddleware checks basic auth against the configured Authenticator and
// that the authenticated user matches the {user} path segment. Repeated
// failures for one user are rate limited with a Retry-After and
// X-Weave-Backoff hint.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.auth == nil {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="ironsync"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		if blocked, retryAfter := a.rateLimiter.check(user); blocked {
			writeRateLimited(w, retryAfter)
			return
		}

		if !a.auth(user, pass) {
			a.rateLimiter.recordFailure(user)
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		a.rateLimiter.recordSuccess(user)

		if pathUser := chi.URLParam(r, "user"); subtle.ConstantTimeCompare([]byte(pathUser), []byte(user)) != 1 {
			writeError(w, http.StatusForbidden, "credentials do not match user")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if requestIsSecure(r) {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/"
}
