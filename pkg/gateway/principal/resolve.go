// Package principal derives the rate-limit identity of a request.
package principal

import (
	"net"
	"net/http"
	"strings"

	"github.com/vango-go/voice-orchestrator/pkg/gateway/auth"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindUser Kind = "user"
	KindIP   Kind = "ip"
	KindAnon Kind = "anonymous"
)

type Resolved struct {
	Kind Kind
	// Key is a bucketed identifier suitable for in-memory maps and logs.
	Key string
}

// Resolve prefers the authenticated user and falls back to the client IP.
func Resolve(r *http.Request, trustProxyHeaders bool) Resolved {
	if r == nil {
		return Resolved{Kind: KindAnon, Key: "anonymous"}
	}
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		return Resolved{Kind: KindUser, Key: ratelimit.PrincipalKeyFromUser(p.UserID)}
	}
	return ResolveIP(r, trustProxyHeaders)
}

// ResolveIP ignores any authenticated user; login throttling uses it.
func ResolveIP(r *http.Request, trustProxyHeaders bool) Resolved {
	ip := ClientIP(r, trustProxyHeaders)
	if ip == "" {
		return Resolved{Kind: KindAnon, Key: "anonymous"}
	}
	return Resolved{Kind: KindIP, Key: ratelimit.PrincipalKeyFromIP(ip)}
}

func ClientIP(r *http.Request, trustProxyHeaders bool) string {
	if r == nil {
		return ""
	}

	if trustProxyHeaders {
		if ip := parseIP(r.Header.Get("CF-Connecting-IP")); ip != "" {
			return ip
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		if raw := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); raw != "" {
			// XFF can be "client, proxy1, proxy2". Take the left-most.
			if ip := parseIP(strings.Split(raw, ",")[0]); ip != "" {
				return ip
			}
		}
	}

	return parseIP(r.RemoteAddr)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	// Accept "ip:port" as well.
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}
