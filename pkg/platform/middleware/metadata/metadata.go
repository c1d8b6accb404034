// Package metadata records where a request came from. Ballot origins and
// audit lines read the values back through requestcontext.
package metadata

import (
	"net"
	"net/http"
	"strings"

	"quorum/pkg/requestcontext"
)

// ClientMetadata stores the client IP and User-Agent in the request context.
// X-Forwarded-For and X-Real-IP are honored only when trustProxy is set;
// otherwise any client could choose the origin recorded with its ballot.
func ClientMetadata(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestcontext.WithClientMetadata(r.Context(), ClientIP(r, trustProxy), r.Header.Get("User-Agent"))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIP returns the caller's address. Behind a trusted proxy the first
// X-Forwarded-For hop (or X-Real-IP) wins; malformed header values fall back
// to the connection address.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
	}
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
