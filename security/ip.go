package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the real client IP address from the request.
// When trustProxy is set, X-Forwarded-For and X-Real-IP are consulted first;
// only enable it behind a trusted reverse proxy, since both headers are
// client-controlled otherwise.
func GetClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		// X-Forwarded-For: "client, proxy1, proxy2, ...". The leftmost
		// entry is the originating client.
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if net.ParseIP(first) != nil {
				return first
			}
		}
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			if net.ParseIP(realIP) != nil {
				return realIP
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
