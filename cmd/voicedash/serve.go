package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/voice-orchestrator/pkg/gateway/auth"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/config"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/metrics"
	gatewayserver "github.com/vango-go/voice-orchestrator/pkg/gateway/server"
	"github.com/vango-go/voice-orchestrator/pkg/store"
)

type serveDeps struct {
	loadConfig   func() (config.Config, error)
	newServer    func(config.Config, *slog.Logger, gatewayserver.Dependencies) *gatewayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
	// ready, when set, receives the bound handler before serving starts.
	ready func(http.Handler)
}

func defaultServeDeps() serveDeps {
	return serveDeps{
		loadConfig: config.LoadFromEnv,
		newServer:  gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the session bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), a)
		},
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runServe(ctx context.Context, a *app) error {
	deps := a.serve
	if deps.loadConfig == nil || deps.newServer == nil {
		return errors.New("missing server dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	logger := a.logger

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := a.openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	tokens, err := auth.NewTokens([]byte(cfg.JWTSecret), cfg.TokenTTL)
	if err != nil {
		return err
	}
	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New("voicedash")
	}
	gw := deps.newServer(cfg, logger, gatewayserver.Dependencies{
		Store:        st,
		Auth:         auth.NewService(st, tokens),
		Metrics:      m,
		NewTransport: a.newTransport,
	})
	handler := gw.Handler()
	httpSrv := buildHTTPServer(cfg, handler)
	if deps.ready != nil {
		deps.ready(handler)
	}

	logger.Info("starting voicedash", "addr", cfg.Addr, "db_driver", cfg.DBDriver, "metrics", cfg.MetricsEnabled)

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
		}
		return drain(gw, httpSrv, cfg, logger)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("voicedash stopped")
	return nil
}

// drain refuses new sessions, warns open ones, stops the listener and
// then gives bridges the grace period before cancelling them.
func drain(gw *gatewayserver.Server, httpSrv *http.Server, cfg config.Config, logger *slog.Logger) error {
	gw.SetDraining()
	if n := gw.WarnSessionsDraining(); n > 0 {
		logger.Info("warned open sessions", "count", n)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if !gw.WaitSessions(shutdownCtx) {
		n := gw.CancelSessions()
		logger.Warn("cancelled sessions after grace period", "count", n)
		waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer waitCancel()
		gw.WaitSessions(waitCtx)
	}
	return nil
}

func openStoreFor(ctx context.Context, a *app) (store.Store, error) {
	cfg, err := a.loadDBCfg()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return a.openStore(ctx, cfg, a.logger)
}
