package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vango-go/voice-orchestrator/pkg/core"
	"github.com/vango-go/voice-orchestrator/pkg/csvio"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/auth"
	"github.com/vango-go/voice-orchestrator/pkg/store"
)

// AdminHandler serves /api/admin. Every route is wrapped in mw.RequireAdmin.
type AdminHandler struct {
	Store          store.Store
	Signer         AgentSigner
	Logger         *slog.Logger
	MaxImportBytes int64
	Now            func() time.Time
}

func (h AdminHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// ListUsers handles GET /api/admin/users.
func (h AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// CreateUser handles POST /api/admin/users.
func (h AdminHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		IsAdmin  bool   `json:"isAdmin"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	name, err := store.NormalizeUsername(req.Username)
	if err != nil {
		writeError(w, r, core.NewInvalidRequestErrorWithParam(err.Error(), "username"))
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, r, core.NewInvalidRequestErrorWithParam(err.Error(), "password"))
		return
	}
	u, err := h.Store.CreateUser(r.Context(), name, hash, req.IsAdmin)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, r, core.NewConflictError(fmt.Sprintf("username %q is already taken", name)))
			return
		}
		writeError(w, r, err)
		return
	}
	h.logger().Info("user created", "user_id", u.ID, "username", u.Username, "is_admin", u.IsAdmin, "request_id", requestIDFromContext(r))
	writeJSON(w, http.StatusCreated, u)
}

// UpdateUser handles PATCH /api/admin/users/{id}. Admins cannot lock or
// demote themselves.
func (h AdminHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	p, err := principalOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := pathUserID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		Password *string `json:"password"`
		IsAdmin  *bool   `json:"isAdmin"`
		IsLocked *bool   `json:"isLocked"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if id == p.UserID {
		if req.IsAdmin != nil && !*req.IsAdmin {
			writeError(w, r, core.NewInvalidRequestErrorWithParam("cannot remove your own admin rights", "isAdmin"))
			return
		}
		if req.IsLocked != nil && *req.IsLocked {
			writeError(w, r, core.NewInvalidRequestErrorWithParam("cannot lock your own account", "isLocked"))
			return
		}
	}

	patch := store.UserPatch{IsAdmin: req.IsAdmin, IsLocked: req.IsLocked}
	if req.Password != nil {
		hash, err := auth.HashPassword(*req.Password)
		if err != nil {
			writeError(w, r, core.NewInvalidRequestErrorWithParam(err.Error(), "password"))
			return
		}
		patch.PasswordHash = &hash
	}
	if patch.Empty() {
		writeError(w, r, core.NewInvalidRequestError("nothing to update"))
		return
	}
	u, err := h.Store.UpdateUser(r.Context(), id, patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.logger().Info("user updated", "user_id", u.ID, "by", p.UserID, "password_changed", patch.PasswordHash != nil, "request_id", requestIDFromContext(r))
	writeJSON(w, http.StatusOK, u)
}

// DeleteUser handles DELETE /api/admin/users/{id}.
func (h AdminHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	p, err := principalOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := pathUserID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if id == p.UserID {
		writeError(w, r, core.NewInvalidRequestErrorWithParam("cannot delete your own account", "id"))
		return
	}
	if err := h.Store.DeleteUser(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	h.logger().Info("user deleted", "user_id", id, "by", p.UserID, "request_id", requestIDFromContext(r))
	w.WriteHeader(http.StatusNoContent)
}

// GetUserConfig handles GET /api/admin/users/{id}/config.
func (h AdminHandler) GetUserConfig(w http.ResponseWriter, r *http.Request) {
	id, err := pathUserID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.Store.GetUser(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	cfg, err := h.Store.GetConfig(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// PutUserConfig handles PUT /api/admin/users/{id}/config.
func (h AdminHandler) PutUserConfig(w http.ResponseWriter, r *http.Request) {
	id, err := pathUserID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		APIKey        string `json:"apiKey"`
		VoiceAgentID  string `json:"voiceAgentId"`
		ChatAgentID   string `json:"chatAgentId"`
		WebhookURL    string `json:"webhookUrl"`
		WebhookAPIKey string `json:"webhookApiKey"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.Store.GetUser(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	cfg := store.UserConfig{
		UserID:        id,
		APIKey:        req.APIKey,
		VoiceAgentID:  req.VoiceAgentID,
		ChatAgentID:   req.ChatAgentID,
		WebhookURL:    req.WebhookURL,
		WebhookAPIKey: req.WebhookAPIKey,
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		writeError(w, r, core.NewInvalidRequestError(err.Error()))
		return
	}
	if err := h.Store.PutConfig(r.Context(), cfg); err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := h.Store.GetConfig(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

type agentCheck struct {
	AgentID string `json:"agentId,omitempty"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// TestUserConfig handles POST /api/admin/users/{id}/config/test. It asks the
// agent platform to sign a URL for each configured agent.
func (h AdminHandler) TestUserConfig(w http.ResponseWriter, r *http.Request) {
	id, err := pathUserID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cfg, err := h.Store.GetConfig(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]agentCheck{
		"voice": h.checkAgent(r.Context(), cfg.VoiceAgentID, cfg.APIKey),
		"chat":  h.checkAgent(r.Context(), cfg.ChatAgentID, cfg.APIKey),
	})
}

func (h AdminHandler) checkAgent(ctx context.Context, agentID, apiKey string) agentCheck {
	switch {
	case agentID == "":
		return agentCheck{Status: "not_configured"}
	case apiKey == "":
		// Public agents are reachable by id alone; nothing to verify.
		return agentCheck{AgentID: agentID, Status: "public"}
	}
	if err := h.Signer.VerifyAgent(ctx, agentID, apiKey); err != nil {
		var ce *core.Error
		msg := err.Error()
		if errors.As(err, &ce) {
			msg = ce.Message
		}
		return agentCheck{AgentID: agentID, Status: "failed", Error: msg}
	}
	return agentCheck{AgentID: agentID, Status: "ok"}
}

// ExportUsers handles GET /api/admin/users/export.csv.
func (h AdminHandler) ExportUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	records := make([]csvio.ExportRecord, 0, len(users))
	for _, u := range users {
		cfg, err := h.Store.GetConfig(r.Context(), u.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		records = append(records, csvio.ExportRecord{User: u, Config: cfg})
	}

	var buf bytes.Buffer
	if err := csvio.Export(&buf, records); err != nil {
		writeError(w, r, err)
		return
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	name := "voicedash-users-" + now().UTC().Format("20060102") + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// ImportUsers handles POST /api/admin/users/import. The body is the raw CSV
// file; rows that fail are reported and do not abort the import.
func (h AdminHandler) ImportUsers(w http.ResponseWriter, r *http.Request) {
	p, err := principalOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body := io.Reader(r.Body)
	if h.MaxImportBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.MaxImportBytes)
	}
	res, err := csvio.Importer{Store: h.Store, ActorID: p.UserID}.Import(r.Context(), body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, err)
			return
		}
		var ce *core.Error
		if !errors.As(err, &ce) && r.Context().Err() == nil {
			err = core.NewInvalidRequestError(err.Error())
		}
		writeError(w, r, err)
		return
	}
	h.logger().Info("users imported",
		"by", p.UserID,
		"created", len(res.Created),
		"updated", len(res.Updated),
		"errors", len(res.Errors),
		"request_id", requestIDFromContext(r),
	)
	writeJSON(w, http.StatusOK, res)
}
