package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/voice-orchestrator/pkg/core"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/principal"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/ratelimit"
)

// KeyFunc picks the bucket for a request.
type KeyFunc func(*http.Request) principal.Resolved

func ByPrincipal(trustProxyHeaders bool) KeyFunc {
	return func(r *http.Request) principal.Resolved { return principal.Resolve(r, trustProxyHeaders) }
}

func ByIP(trustProxyHeaders bool) KeyFunc {
	return func(r *http.Request) principal.Resolved { return principal.ResolveIP(r, trustProxyHeaders) }
}

func RateLimit(limiter *ratelimit.Limiter, key KeyFunc, next http.Handler) http.Handler {
	return RateLimitNotify(limiter, key, nil, next)
}

// RateLimitNotify is RateLimit with a callback run for each rejected request.
func RateLimitNotify(limiter *ratelimit.Limiter, key KeyFunc, onReject func(*http.Request), next http.Handler) http.Handler {
	if !limiter.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health endpoints must remain cheap and reliable.
		if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		dec := limiter.Allow(key(r).Key, time.Now())
		if !dec.Allowed {
			if onReject != nil {
				onReject(r)
			}
			reqID, _ := RequestIDFrom(r.Context())
			w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			writeJSONError(w, http.StatusTooManyRequests, &core.Error{
				Type:      core.ErrRateLimit,
				Message:   "rate limit exceeded",
				RequestID: reqID,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
