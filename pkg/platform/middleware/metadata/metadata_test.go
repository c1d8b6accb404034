package metadata

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"quorum/pkg/requestcontext"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		headers    map[string]string
		remote     string
		want       string
	}{
		{name: "forwarded chain behind proxy", trustProxy: true, headers: map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, remote: "10.0.0.1:80", want: "203.0.113.7"},
		{name: "real ip behind proxy", trustProxy: true, headers: map[string]string{"X-Real-IP": " 198.51.100.2 "}, remote: "10.0.0.1:80", want: "198.51.100.2"},
		{name: "malformed forwarded value", trustProxy: true, headers: map[string]string{"X-Forwarded-For": "evil"}, remote: "10.0.0.1:80", want: "10.0.0.1"},
		{name: "forwarding ignored without proxy", headers: map[string]string{"X-Forwarded-For": "203.0.113.7"}, remote: "192.0.2.10:5555", want: "192.0.2.10"},
		{name: "ipv6 remote", remote: "[::1]:5555", want: "::1"},
		{name: "no remote", want: "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req, tt.trustProxy))
		})
	}
}

func TestClientMetadata(t *testing.T) {
	var ip, ua string
	h := ClientMetadata(false)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		ip = requestcontext.ClientIP(r.Context())
		ua = requestcontext.UserAgent(r.Context())
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/elections/x/positions/y/votes", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("User-Agent", "curl/8.0")
	req.Header.Set("X-Forwarded-For", "203.0.113.50")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "192.0.2.1", ip)
	assert.Equal(t, "curl/8.0", ua)
}
