package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

const dashOrigin = "https://dash.example.com"

func corsHandler(t *testing.T, preflightOnly bool) http.Handler {
	return CORS(map[string]struct{}{dashOrigin: {}}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if preflightOnly {
			t.Errorf("preflight reached the route handler")
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func TestCORS_SimpleRequests(t *testing.T) {
	tests := []struct {
		name      string
		allowed   map[string]struct{}
		origin    string
		wantAllow string
	}{
		{"disabled", map[string]struct{}{}, dashOrigin, ""},
		{"allowlisted", map[string]struct{}{dashOrigin: {}}, dashOrigin, dashOrigin},
		{"foreign", map[string]struct{}{dashOrigin: {}}, "https://evil.example.com", ""},
		{"no origin", map[string]struct{}{dashOrigin: {}}, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := CORS(tt.allowed, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
			req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			assert.True(t, called, "route handler always runs for simple requests")
			assert.Equal(t, tt.wantAllow, rr.Header().Get("Access-Control-Allow-Origin"))
			if tt.wantAllow != "" {
				assert.Equal(t, "Origin", rr.Header().Get("Vary"))
				assert.Contains(t, rr.Header().Get("Access-Control-Expose-Headers"), "Content-Disposition")
			}
		})
	}
}

func TestCORS_PreflightAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/admin/users/7", nil)
	req.Header.Set("Origin", dashOrigin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	req.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")
	rr := httptest.NewRecorder()
	corsHandler(t, true).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, dashOrigin, rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), "PATCH")
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), "DELETE")
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "Authorization")
	assert.Equal(t, "600", rr.Header().Get("Access-Control-Max-Age"))
}

func TestCORS_PreflightRejected(t *testing.T) {
	for _, origin := range []string{"", "https://evil.example.com"} {
		req := httptest.NewRequest(http.MethodOptions, "/api/config", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		req.Header.Set("Access-Control-Request-Method", http.MethodPut)
		rr := httptest.NewRecorder()
		corsHandler(t, true).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusForbidden, rr.Code, "origin %q", origin)
		assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestCORS_PlainOptionsPassesThrough(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/config", nil)
	req.Header.Set("Origin", dashOrigin)
	rr := httptest.NewRecorder()
	corsHandler(t, false).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestOriginAllowed(t *testing.T) {
	check := OriginAllowed(map[string]struct{}{"https://app.example.com": {}})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{dashOrigin, true},
		{"http://DASH.example.com", true},
		{"https://app.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "http://dash.example.com/v1/session", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, check(req), "origin %q", tt.origin)
	}
}
