package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/vango-go/voice-orchestrator/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Pinger is satisfied by store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ReadyHandler struct {
	Store     Pinger
	Lifecycle *lifecycle.Lifecycle
	// Sessions reports the number of open bridge sessions.
	Sessions func() int
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK           bool     `json:"ok"`
		Draining     bool     `json:"draining"`
		LiveSessions int      `json:"live_sessions"`
		DatabaseOK   bool     `json:"database_ok"`
		Issues       []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 2)
	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "server is draining")
	}

	dbOK := false
	if h.Store == nil {
		issues = append(issues, "no store configured")
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.Store.Ping(ctx)
		cancel()
		if err != nil {
			issues = append(issues, "database unreachable")
		} else {
			dbOK = true
		}
	}

	sessions := 0
	if h.Sessions != nil {
		sessions = h.Sessions()
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResp{
		OK:           ok,
		Draining:     draining,
		LiveSessions: sessions,
		DatabaseOK:   dbOK,
		Issues:       issues,
	})
}
