package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vango-go/voice-orchestrator/pkg/gateway/lifecycle"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthHandler_OK(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestReadyHandler_Ready(t *testing.T) {
	h := ReadyHandler{
		Store:     pingFunc(func(context.Context) error { return nil }),
		Lifecycle: &lifecycle.Lifecycle{},
		Sessions:  func() int { return 3 },
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["live_sessions"].(float64) != 3 {
		t.Fatalf("live_sessions=%v", resp["live_sessions"])
	}
}

func TestReadyHandler_NotReady(t *testing.T) {
	draining := &lifecycle.Lifecycle{}
	draining.StartDraining(time.Now())

	tests := []struct {
		name string
		h    ReadyHandler
	}{
		{"draining", ReadyHandler{Store: pingFunc(func(context.Context) error { return nil }), Lifecycle: draining}},
		{"db down", ReadyHandler{Store: pingFunc(func(context.Context) error { return errors.New("down") })}},
		{"no store", ReadyHandler{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			tc.h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rr.Code != http.StatusServiceUnavailable {
				t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
			}
			var resp map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if ok, _ := resp["ok"].(bool); ok {
				t.Fatalf("expected ok=false")
			}
		})
	}
}
