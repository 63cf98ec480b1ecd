package middleware

import (
	"net/http"
	"strings"
)

// corsAllowHeaders covers the tenant API headers and the headers providers
// sign webhooks with, so browser-based replay tools can reach /webhooks.
var corsAllowHeaders = strings.Join([]string{
	"Content-Type",
	"Authorization",
	"X-API-Key",
	UserIDHeader,
	RequestIDHeader,
	"Idempotency-Key",
	"Webhook-Id",
	"Webhook-Timestamp",
	"Webhook-Signature",
	"Plaid-Verification",
	"X-Signature-SHA256",
	"X-Apideck-Signature",
}, ", ")

const (
	corsAllowMethods = "GET, POST, DELETE, OPTIONS"
	corsMaxAge       = "86400"
)

// CORS sets CORS headers for the allowed origins and answers preflights.
// An empty list or "*" allows every origin. Preflights from other origins
// get 403 so a misconfigured front end fails loudly.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 0
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
		if o == "*" {
			allowAll = true
		}
		origins[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed := false
			if origin != "" {
				w.Header().Add("Vary", "Origin")
				_, listed := origins[strings.ToLower(origin)]
				allowed = allowAll || listed
			}
			if allowed {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Expose-Headers", RequestIDHeader+", Retry-After")
			}

			if r.Method == http.MethodOptions {
				if origin != "" && !allowed {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				if allowed {
					h := w.Header()
					h.Set("Access-Control-Allow-Methods", corsAllowMethods)
					h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
					h.Set("Access-Control-Max-Age", corsMaxAge)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
