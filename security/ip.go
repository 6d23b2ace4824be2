// Package security contains the perimeter controls shared by the broker's
// HTTP surface: client IP extraction, the origin allow-list, KV-backed rate
// limiting, audit logging, and response hardening headers.
package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client IP address from an HTTP request.
//
// When trustProxyHeaders is false the connection's remote address is used
// unconditionally; forwarded headers are attacker-controlled unless a trusted
// proxy sets them. When true, X-Forwarded-For is walked from the right,
// skipping trustedProxyCount known proxies to land on the real client entry.
func ClientIP(r *http.Request, trustProxyHeaders bool, trustedProxyCount int) string {
	if trustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			// The rightmost entries were appended by our own proxies; the
			// client is just before them.
			idx := len(parts) - 1 - trustedProxyCount
			if idx < 0 {
				idx = 0
			}
			ip := strings.TrimSpace(parts[idx])
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			ip := strings.TrimSpace(xri)
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr without a port, e.g. in tests.
		return r.RemoteAddr
	}
	return host
}
