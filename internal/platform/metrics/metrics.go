package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process-wide HTTP metrics.
type Metrics struct {
	RequestDuration *prometheus.HistogramVec
	Dependencies    *prometheus.GaugeVec
}

// New creates and registers all HTTP metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quorum_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern, method and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
		Dependencies: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quorum_dependency_up",
			Help: "1 when the last health check of a dependency succeeded",
		}, []string{"dependency"}),
	}
}

// ObserveRequest records one served request.
func (m *Metrics) ObserveRequest(route, method string, status int, start time.Time) {
	if route == "" {
		route = "unmatched"
	}
	m.RequestDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
}

// SetDependencyUp records a health check result.
func (m *Metrics) SetDependencyUp(name string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.Dependencies.WithLabelValues(name).Set(v)
}
