package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"quorum/pkg/platform/httputil"
	"quorum/pkg/requestcontext"
)

// Result is the outcome of one Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the whole number of seconds until the window frees a slot.
func (r Result) RetryAfter(now time.Time) int {
	secs := int(r.ResetAt.Sub(now).Seconds() + 0.999)
	return max(secs, 1)
}

// Store counts requests per key within a window.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// Class separates budgets for reads and writes.
type Class string

const (
	ClassRead  Class = "read"
	ClassWrite Class = "write"
)

// Limits is the per-actor budget of each class within Window.
type Limits struct {
	Read   int
	Write  int
	Window time.Duration
}

func (l Limits) of(c Class) int {
	if c == ClassRead {
		return l.Read
	}
	return l.Write
}

type exceededResponse struct {
	Error      string `json:"error"`
	Message    string `json:"error_description"`
	RetryAfter int    `json:"retry_after"`
}

// Middleware limits authenticated actors. Store failures let the request
// through: an outage of the counter must not stop an election.
type Middleware struct {
	store  Store
	limits Limits
	logger *slog.Logger
	now    func() time.Time
}

func New(store Store, limits Limits, logger *slog.Logger) *Middleware {
	if limits.Window <= 0 {
		limits.Window = time.Minute
	}
	return &Middleware{store: store, limits: limits, logger: logger, now: time.Now}
}

// PerActor applies the read budget to GET and HEAD and the write budget to
// everything else. Requests without an actor are not counted.
func (m *Middleware) PerActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		actor := requestcontext.Actor(ctx)
		if actor.IsNil() {
			next.ServeHTTP(w, r)
			return
		}
		class := ClassWrite
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			class = ClassRead
		}
		limit := m.limits.of(class)
		if limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		res, err := m.store.Allow(ctx, "quorum:rl:"+string(class)+":"+actor.String(), limit, m.limits.Window)
		if err != nil {
			m.logger.WarnContext(ctx, "rate limit check failed", "error", err, "class", class)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		if !res.Allowed {
			retry := res.RetryAfter(m.now())
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			m.logger.InfoContext(ctx, "rate limit exceeded",
				"class", class,
				"actor", actor,
				"request_id", requestcontext.RequestID(ctx),
			)
			httputil.WriteJSON(w, http.StatusTooManyRequests, exceededResponse{
				Error:      "rate_limit_exceeded",
				Message:    "too many requests, try again later",
				RetryAfter: retry,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
