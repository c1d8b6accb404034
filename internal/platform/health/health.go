package health

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"quorum/internal/platform/metrics"
	"quorum/pkg/platform/httputil"
)

const defaultCheckTimeout = 2 * time.Second

// CheckFunc reports a dependency's health; nil means healthy.
type CheckFunc func(ctx context.Context) error

// Handler serves GET /healthz. Every registered dependency is checked
// concurrently and the endpoint answers 503 when any of them fails.
type Handler struct {
	checks  map[string]CheckFunc
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type Option func(*Handler)

func WithCheck(name string, fn CheckFunc) Option {
	return func(h *Handler) {
		if fn != nil {
			h.checks[name] = fn
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

func New(opts ...Option) *Handler {
	h := &Handler{
		checks:  make(map[string]CheckFunc),
		timeout: defaultCheckTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Response is the body of GET /healthz.
type Response struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// Check runs every registered check and returns per-dependency results.
func (h *Handler) Check(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make(map[string]error, len(h.checks))
		g       errgroup.Group
	)
	for name, fn := range h.checks {
		g.Go(func() error {
			err := fn(ctx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	results := h.Check(r.Context())

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := Response{Status: "ok", Dependencies: make(map[string]string, len(results))}
	status := http.StatusOK
	for _, name := range names {
		err := results[name]
		if h.metrics != nil {
			h.metrics.SetDependencyUp(name, err == nil)
		}
		if err != nil {
			resp.Dependencies[name] = "down"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			if h.logger != nil {
				h.logger.WarnContext(r.Context(), "dependency unhealthy", "dependency", name, "error", err)
			}
			continue
		}
		resp.Dependencies[name] = "up"
	}
	httputil.WriteJSON(w, status, resp)
}
