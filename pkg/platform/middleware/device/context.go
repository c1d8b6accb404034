package device

import (
	"context"
	"net/http"
	"strings"

	"github.com/mssola/useragent"
)

type contextKeyDevice struct{}

// Describe reduces a User-Agent header to a coarse "browser/os/class"
// descriptor. Versions are dropped so the value cannot single out a voter.
func Describe(userAgent string) string {
	if strings.TrimSpace(userAgent) == "" {
		return ""
	}
	ua := useragent.New(userAgent)
	if ua.Bot() {
		return "bot"
	}
	browser, _ := ua.Browser()
	class := "desktop"
	if ua.Mobile() {
		class = "mobile"
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{browser, ua.OSInfo().Name, class} {
		if p != "" {
			parts = append(parts, strings.ToLower(p))
		}
	}
	return strings.Join(parts, "/")
}

// Get retrieves the device descriptor from the context.
func Get(ctx context.Context) string {
	if d, ok := ctx.Value(contextKeyDevice{}).(string); ok {
		return d
	}
	return ""
}

// WithDevice injects a device descriptor into a context.
// Useful for service unit tests that don't run the full HTTP middleware chain.
func WithDevice(ctx context.Context, descriptor string) context.Context {
	return context.WithValue(ctx, contextKeyDevice{}, descriptor)
}

// Middleware stores the descriptor of the request's User-Agent.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithDevice(r.Context(), Describe(r.UserAgent()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
