package ws

import (
	"net/http"
	"strings"
)

// NewOriginChecker returns a CheckOrigin function for a gorilla/websocket
// Upgrader that accepts the given origins (case-insensitive). Requests
// without an Origin header are accepted.
func NewOriginChecker(allowed []string) func(r *http.Request) bool {
	origins := make([]string, 0, len(allowed))
	for _, o := range allowed {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Same-origin request or non-browser client.
			return true
		}
		for _, o := range origins {
			if o == "*" || strings.EqualFold(origin, o) {
				return true
			}
		}
		return false
	}
}
