package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vango-go/voice-orchestrator/pkg/gateway/config"
	"github.com/vango-go/voice-orchestrator/pkg/store"
	"github.com/vango-go/voice-orchestrator/pkg/store/pgstore"
	"github.com/vango-go/voice-orchestrator/pkg/store/sqlstore"
)

// openStore opens the configured database and applies migrations, retrying
// with exponential backoff while the database is still starting.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	attempts := max(cfg.DBConnectAttempts, 1)
	backoff := retry.WithCappedDuration(5*time.Second,
		retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(500*time.Millisecond)))

	var (
		st      store.Store
		attempt int
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		s, err := openDriver(ctx, cfg, logger)
		if err != nil {
			logger.Warn("database not ready", "driver", cfg.DBDriver, "attempt", attempt, "of", attempts, "error", err)
			return retry.RetryableError(err)
		}
		st = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func openDriver(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DBDriver == config.DBDriverPostgres {
		return pgstore.Open(ctx, cfg.DBDSN, logger)
	}
	return sqlstore.Open(ctx, cfg.DBDSN, logger)
}
