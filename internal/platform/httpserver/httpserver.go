package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"quorum/internal/platform/config"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	idleTimeout              = 2 * time.Minute
	writeSlack               = 5 * time.Second
)

// New builds the API server. The write deadline trails the per-request
// timeout so a handler cut off by middleware can still write its 503, and
// net/http's own errors (TLS handshakes, bad framing) go to logger.
func New(cfg config.Server, handler http.Handler, logger *slog.Logger) *http.Server {
	readHeader := cfg.ReadHeaderTimeout
	if readHeader <= 0 {
		readHeader = defaultReadHeaderTimeout
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeader,
		IdleTimeout:       idleTimeout,
	}
	if cfg.RequestTimeout > 0 {
		srv.WriteTimeout = cfg.RequestTimeout + writeSlack
	}
	if logger != nil {
		srv.ErrorLog = slog.NewLogLogger(logger.Handler(), slog.LevelWarn)
	}
	return srv
}
