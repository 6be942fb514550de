package gateway

import (
	"net/http"
	"strings"
)

// NewCORSMiddleware builds a CORS wrapper from the allowed-origin list.
// An empty list allows any origin; the dashboard is served same-origin
// and hook producers post from localhost, so the API stays permissive
// unless the operator narrows it.
func NewCORSMiddleware(allowOrigins []string) func(http.Handler) http.Handler {
	origins := make(map[string]bool, len(allowOrigins))
	for _, o := range allowOrigins {
		origins[o] = true
	}
	allowAll := len(allowOrigins) == 0 || origins["*"]

	const (
		methodStr = "GET, POST, OPTIONS"
		headerStr = "Content-Type"
		maxAgeStr = "3600"
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin != "" && (allowAll || origins[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", methodStr)
				w.Header().Set("Access-Control-Allow-Headers", headerStr)
				w.Header().Set("Access-Control-Max-Age", maxAgeStr)
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
