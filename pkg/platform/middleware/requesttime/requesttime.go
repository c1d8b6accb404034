// Package requesttime pins one instant per request, so the voting window
// check, the recorded cast time and the audit timestamp of a ballot agree.
package requesttime

import (
	"net/http"
	"time"

	"quorum/pkg/requestcontext"
)

// Middleware pins the wall clock in UTC.
func Middleware(next http.Handler) http.Handler {
	return WithClock(time.Now)(next)
}

// WithClock pins the instant returned by now. A request that already
// carries a pinned time keeps it.
func WithClock(now func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if _, pinned := requestcontext.Pinned(ctx); !pinned {
				ctx = requestcontext.WithTime(ctx, now().UTC())
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
