package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vango-go/voice-orchestrator/pkg/convai"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/auth"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/config"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/handlers"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/lifecycle"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/live/sessions"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/metrics"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/mw"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/ratelimit"
	"github.com/vango-go/voice-orchestrator/pkg/store"
	"github.com/vango-go/voice-orchestrator/pkg/webhook"
)

// Dependencies are the collaborators New cannot build from config alone.
// Signer, Webhook and NewTransport default to the real ElevenLabs and
// webhook clients.
type Dependencies struct {
	Store   store.Store
	Auth    *auth.Service
	Metrics *metrics.Metrics

	Signer       handlers.AgentSigner
	Webhook      handlers.Forwarder
	NewTransport handlers.TransportFactory
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Dependencies

	loginLimiter *ratelimit.Limiter
	apiLimiter   *ratelimit.Limiter
	lifecycle    *lifecycle.Lifecycle
	sessions     *sessions.Tracker
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Timeout: cfg.UpstreamTimeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
	if deps.Signer == nil {
		deps.Signer = convai.NewSigner(convai.SignerConfig{APIBase: cfg.ElevenLabsAPIBase, HTTPClient: httpClient})
	}
	if deps.Webhook == nil {
		deps.Webhook = webhook.New(httpClient)
	}

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		mux:          http.NewServeMux(),
		deps:         deps,
		loginLimiter: ratelimit.New(ratelimit.Config{RPS: cfg.LoginRPS, Burst: cfg.LoginBurst}),
		apiLimiter:   ratelimit.New(ratelimit.Config{RPS: cfg.APIRPS, Burst: cfg.APIBurst}),
		lifecycle:    &lifecycle.Lifecycle{},
		sessions:     sessions.NewTracker(),
	}

	s.routes()
	return s
}

// handle registers an instrumented JSON route with the default body cap.
func (s *Server) handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, s.deps.Metrics.Instrument(pattern, mw.LimitBody(s.cfg.MaxBodyBytes, h)))
}

func (s *Server) routes() {
	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{
		Store:     s.deps.Store,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions.Count,
	})
	if s.cfg.MetricsEnabled {
		s.mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	authH := handlers.AuthHandler{Auth: s.deps.Auth, Metrics: s.deps.Metrics}
	login := mw.RateLimitNotify(s.loginLimiter, mw.ByIP(s.cfg.TrustProxyHeaders), func(*http.Request) {
		s.deps.Metrics.RateLimited("login")
	}, http.HandlerFunc(authH.Login))
	s.handle("POST /api/auth/login", login)
	s.handle("GET /api/me", mw.RequireUser(http.HandlerFunc(authH.Me)))

	acct := handlers.AccountHandler{
		Store:     s.deps.Store,
		Signer:    s.deps.Signer,
		Forwarder: s.deps.Webhook,
		Metrics:   s.deps.Metrics,
	}
	user := func(f http.HandlerFunc) http.Handler { return mw.RequireUser(f) }
	s.handle("GET /api/config", user(acct.Config))
	s.handle("GET /api/sip/config", user(acct.GetSIP))
	s.handle("PUT /api/sip/config", user(acct.PutSIP))
	s.handle("GET /api/convai/signed-url", user(acct.SignedURL))
	s.handle("POST /api/webhook", user(acct.Webhook))

	admin := handlers.AdminHandler{
		Store:          s.deps.Store,
		Signer:         s.deps.Signer,
		Logger:         s.logger,
		MaxImportBytes: s.cfg.MaxImportBytes,
	}
	adm := func(f http.HandlerFunc) http.Handler { return mw.RequireAdmin(f) }
	s.handle("GET /api/admin/users", adm(admin.ListUsers))
	s.handle("POST /api/admin/users", adm(admin.CreateUser))
	s.handle("PATCH /api/admin/users/{id}", adm(admin.UpdateUser))
	s.handle("DELETE /api/admin/users/{id}", adm(admin.DeleteUser))
	s.handle("GET /api/admin/users/{id}/config", adm(admin.GetUserConfig))
	s.handle("PUT /api/admin/users/{id}/config", adm(admin.PutUserConfig))
	s.handle("POST /api/admin/users/{id}/config/test", adm(admin.TestUserConfig))
	s.handle("GET /api/admin/users/export.csv", adm(admin.ExportUsers))
	// The import body is a whole file and carries its own cap.
	s.mux.Handle("POST /api/admin/users/import", s.deps.Metrics.Instrument("POST /api/admin/users/import", adm(admin.ImportUsers)))

	// Not instrumented: the bridge needs the raw writer to hijack.
	s.mux.Handle("GET /v1/session", mw.RequireUser(handlers.SessionHandler{
		Config:       s.cfg,
		Store:        s.deps.Store,
		Signer:       s.deps.Signer,
		Webhook:      s.deps.Webhook,
		Logger:       s.logger,
		Metrics:      s.deps.Metrics,
		Lifecycle:    s.lifecycle,
		Sessions:     s.sessions,
		NewTransport: s.deps.NewTransport,
	}))

	if s.cfg.StaticDir != "" {
		s.mux.Handle("GET /", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimitNotify(s.apiLimiter, mw.ByPrincipal(s.cfg.TrustProxyHeaders), func(*http.Request) {
		s.deps.Metrics.RateLimited("api")
	}, h)
	h = mw.Auth(s.deps.Auth, h)
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining makes readiness fail and refuses new bridge sessions.
func (s *Server) SetDraining() {
	s.lifecycle.StartDraining(time.Now())
}

func (s *Server) WarnSessionsDraining() int {
	return s.sessions.WarnAll("draining", "server is shutting down")
}

func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

func (s *Server) CancelSessions() int {
	return s.sessions.CancelAll()
}

func (s *Server) SessionCount() int {
	return s.sessions.Count()
}
