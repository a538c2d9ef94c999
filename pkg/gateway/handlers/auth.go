package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/vango-go/voice-orchestrator/pkg/core"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/auth"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/metrics"
)

// Authenticator is satisfied by *auth.Service.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (auth.Session, error)
}

type AuthHandler struct {
	Auth    Authenticator
	Metrics *metrics.Metrics
}

// Login handles POST /api/auth/login.
func (h AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		writeError(w, r, core.NewInvalidRequestError("username and password are required"))
		return
	}

	sess, err := h.Auth.Login(r.Context(), username, req.Password)
	if err != nil {
		switch {
		case core.HasCode(err, core.CodeInvalidCredentials):
			h.Metrics.Login("invalid_credentials")
		case core.HasCode(err, core.CodeAccountLocked):
			h.Metrics.Login("locked")
		default:
			h.Metrics.Login("error")
		}
		writeError(w, r, err)
		return
	}
	h.Metrics.Login("ok")
	writeJSON(w, http.StatusOK, sess)
}

// Me handles GET /api/me.
func (h AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	p, err := principalOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":   p.UserID,
		"username": p.Username,
		"isAdmin":  p.IsAdmin,
	})
}
