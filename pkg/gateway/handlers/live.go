package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/voice-orchestrator/pkg/convai"
	"github.com/vango-go/voice-orchestrator/pkg/core"
	"github.com/vango-go/voice-orchestrator/pkg/core/live"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/config"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/lifecycle"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/live/session"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/live/sessions"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/metrics"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/mw"
	"github.com/vango-go/voice-orchestrator/pkg/store"
	"github.com/vango-go/voice-orchestrator/pkg/webhook"
)

// TransportFactory builds the agent-side transport for one session.
type TransportFactory func(logger *slog.Logger) live.Transport

// SessionHandler upgrades /v1/session to a websocket bridge that runs a
// conversation coordinator for the signed-in user.
type SessionHandler struct {
	Config    config.Config
	Store     store.Store
	Signer    AgentSigner
	Webhook   Forwarder
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker

	NewTransport TransportFactory
}

func (h SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"})
		return
	}
	if h.Lifecycle.IsDraining() {
		reqID := requestIDFromContext(r)
		apiErr := &core.Error{Type: core.ErrAPI, Message: "server is shutting down", Code: "draining", RequestID: reqID}
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, map[string]*core.Error{"error": apiErr})
		return
	}
	p, err := principalOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	originOK := mw.OriginAllowed(h.Config.CORSAllowedOrigins)
	if !originOK(r) {
		writeError(w, r, &core.Error{Type: core.ErrPermission, Message: "origin is not allowed", Param: "Origin"})
		return
	}

	// Load settings before upgrading so failures surface as plain HTTP errors.
	cfg, err := h.Store.GetConfig(r.Context(), p.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: originOK,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessionID := "s_" + uuid.NewString()
	logger = logger.With("request_id", requestIDFromContext(r))

	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    logger,
		SessionID: sessionID,
		UserID:    p.UserID,
		Username:  p.Username,
		Credentials: live.Credentials{
			APIKey:       cfg.APIKey,
			VoiceAgentID: cfg.VoiceAgentID,
			ChatAgentID:  cfg.ChatAgentID,
		},
		Transport:     h.newTransport(logger),
		Signer:        h.Signer,
		Webhook:       h.Webhook,
		WebhookTarget: webhook.Target{URL: cfg.WebhookURL, APIKey: cfg.WebhookAPIKey},
		Metrics:       h.Metrics,
		Config: session.Config{
			PingInterval:           h.Config.SessionPingInterval,
			WriteTimeout:           h.Config.SessionWriteTimeout,
			ReadTimeout:            h.Config.SessionReadTimeout,
			MaxMessageBytes:        h.Config.SessionMaxMessageBytes,
			ReplyTimeout:           h.Config.ReplyTimeout,
			ConnectTimeout:         h.Config.ConnectTimeout,
			AudioMaxFPS:            h.Config.AudioMaxFPS,
			AudioMaxBytesPerSecond: h.Config.AudioMaxBytesPerSecond,
			AudioBurstSeconds:      2,
			OutboundQueueSize:      128,
		},
	})
	if err != nil {
		logger.Error("session init failed", "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session init failed"),
			time.Now().Add(2*time.Second))
		return
	}

	unregister := h.Sessions.Register(sessions.Handle{
		SessionID: sessionID,
		UserID:    p.UserID,
		Cancel:    s.Cancel,
		Warn:      s.SendWarning,
	})
	defer unregister()

	if err := s.Run(); err != nil {
		logger.Warn("session ended with error", "session_id", sessionID, "error", err)
	}
}

func (h SessionHandler) newTransport(logger *slog.Logger) live.Transport {
	if h.NewTransport != nil {
		return h.NewTransport(logger)
	}
	return convai.NewClient(convai.ClientConfig{
		WSBase:            h.Config.ElevenLabsWSBase,
		WriteTimeout:      h.Config.SessionWriteTimeout,
		KeepAliveInterval: h.Config.SessionPingInterval,
	}, logger)
}
