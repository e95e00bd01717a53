// Package middleware provides HTTP middleware for the consultation servers.
package middleware

import (
	"net/http"
	"net/url"
	"path"
)

// CORS returns middleware that handles CORS headers. Entries in allowedOrigins are
// exact origins, "*", or path.Match patterns matched against the full origin or its
// host, such as "localhost:*". The host form is the one websocket.AcceptOptions uses.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" {
				if explicit, ok := matchOrigin(allowedOrigins, origin); ok {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Cache-Control")
					w.Header().Add("Vary", "Origin")
					// Credentials only for explicitly listed origins; echoing a
					// wildcard match with credentials enables CSRF.
					if explicit {
						w.Header().Set("Access-Control-Allow-Credentials", "true")
					}
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func matchOrigin(allowed []string, origin string) (explicit, ok bool) {
	for _, o := range allowed {
		if o == origin {
			return true, true
		}
	}
	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Host
	}
	for _, o := range allowed {
		if o == "*" {
			return false, true
		}
		for _, candidate := range []string{origin, host} {
			if matched, err := path.Match(o, candidate); err == nil && matched {
				return false, true
			}
		}
	}
	return false, false
}
