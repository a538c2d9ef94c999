package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/vango-go/voice-orchestrator/pkg/core"
	"github.com/vango-go/voice-orchestrator/pkg/core/live"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/metrics"
	"github.com/vango-go/voice-orchestrator/pkg/store"
	"github.com/vango-go/voice-orchestrator/pkg/webhook"
)

// AgentSigner is satisfied by *convai.Signer.
type AgentSigner interface {
	FetchSignedURL(ctx context.Context, agentID, apiKey string) (string, error)
	VerifyAgent(ctx context.Context, agentID, apiKey string) error
}

// Forwarder is satisfied by *webhook.Forwarder.
type Forwarder interface {
	Forward(ctx context.Context, message string, target webhook.Target) (string, error)
}

// AccountHandler serves the signed-in user's own settings.
type AccountHandler struct {
	Store     store.Store
	Signer    AgentSigner
	Forwarder Forwarder
	Metrics   *metrics.Metrics
}

// Config handles GET /api/config.
func (h AccountHandler) Config(w http.ResponseWriter, r *http.Request) {
	p, err := principalOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cfg, err := h.Store.GetConfig(r.Context(), p.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// GetSIP handles GET /api/sip/config. The stored password is never returned.
func (h AccountHandler) GetSIP(w http.ResponseWriter, r *http.Request) {
	p, err := principalOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cfg, err := h.Store.GetSIPConfig(r.Context(), p.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	hasPassword := cfg.Password != ""
	cfg.Password = ""
	writeJSON(w, http.StatusOK, sipResponse{SIPConfig: cfg, HasPassword: hasPassword})
}

type sipResponse struct {
	store.SIPConfig
	HasPassword bool `json:"hasPassword"`
}

// PutSIP handles PUT /api/sip/config. An omitted password keeps the stored one.
func (h AccountHandler) PutSIP(w http.ResponseWriter, r *http.Request) {
	p, err := principalOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		Registrar       string  `json:"registrar"`
		Port            int     `json:"port"`
		Protocol        string  `json:"protocol"`
		WebSocketURL    string  `json:"websocketUrl"`
		Username        string  `json:"username"`
		Password        *string `json:"password"`
		DisplayName     string  `json:"displayName"`
		CertificatePath string  `json:"certificatePath"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	current, err := h.Store.GetSIPConfig(r.Context(), p.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cfg := store.SIPConfig{
		UserID:          p.UserID,
		Registrar:       req.Registrar,
		Port:            req.Port,
		Protocol:        req.Protocol,
		WebSocketURL:    req.WebSocketURL,
		Username:        req.Username,
		Password:        current.Password,
		DisplayName:     req.DisplayName,
		CertificatePath: req.CertificatePath,
	}
	if req.Password != nil {
		cfg.Password = *req.Password
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		writeError(w, r, core.NewInvalidRequestError(err.Error()))
		return
	}
	if err := h.Store.PutSIPConfig(r.Context(), cfg); err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := h.Store.GetSIPConfig(r.Context(), p.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	hasPassword := saved.Password != ""
	saved.Password = ""
	writeJSON(w, http.StatusOK, sipResponse{SIPConfig: saved, HasPassword: hasPassword})
}

// SignedURL handles GET /api/convai/signed-url?mode=voice|text. The API key
// stays on the server; only the short-lived URL is returned.
func (h AccountHandler) SignedURL(w http.ResponseWriter, r *http.Request) {
	p, err := principalOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	mode, err := live.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, r, core.NewInvalidRequestErrorWithParam("mode must be voice or text", "mode"))
		return
	}
	cfg, err := h.Store.GetConfig(r.Context(), p.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		writeError(w, r, core.NewConfigurationMissingError("api key is not configured; use the public agent id", "apiKey"))
		return
	}
	agentID, param := cfg.VoiceAgentID, "voiceAgentId"
	if mode == live.ModeText {
		agentID, param = cfg.ChatAgentID, "chatAgentId"
	}
	if strings.TrimSpace(agentID) == "" {
		writeError(w, r, core.NewConfigurationMissingError(strings.ToLower(string(mode))+" agent id is not configured", param))
		return
	}

	signed, err := h.Signer.FetchSignedURL(r.Context(), agentID, cfg.APIKey)
	if err != nil {
		if core.IsType(err, core.ErrUpstream) {
			h.Metrics.Upstream("elevenlabs")
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"signedUrl": signed, "agentId": agentID})
}

// Webhook handles POST /api/webhook.
func (h AccountHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	p, err := principalOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	cfg, err := h.Store.GetConfig(r.Context(), p.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	reply, err := h.Forwarder.Forward(r.Context(), req.Message, webhook.Target{URL: cfg.WebhookURL, APIKey: cfg.WebhookAPIKey})
	if err != nil {
		h.Metrics.Webhook("error")
		if core.IsType(err, core.ErrUpstream) {
			h.Metrics.Upstream("webhook")
		}
		writeError(w, r, err)
		return
	}
	h.Metrics.Webhook("ok")
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}
