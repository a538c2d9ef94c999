// Package pgstore implements store.Store on PostgreSQL through a pgx pool.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/vango-go/voice-orchestrator/pkg/store"
	"github.com/vango-go/voice-orchestrator/pkg/store/migrations"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn and applies migrations.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	err = migrations.Up(ctx, db, migrations.Postgres, logger)
	_ = db.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func scanUser(row pgx.Row) (store.User, error) {
	var u store.User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.IsLocked, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.User{}, store.ErrNotFound
		}
		return store.User{}, err
	}
	return u, nil
}

const userColumns = `id, username, password_hash, is_admin, is_locked, created_at`

func (s *Store) CreateUser(ctx context.Context, username, passwordHash string, isAdmin bool) (store.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`INSERT INTO users (username, password_hash, is_admin) VALUES ($1, $2, $3) RETURNING `+userColumns,
		username, passwordHash, isAdmin))
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return store.User{}, store.ErrConflict
		}
		return store.User{}, fmt.Errorf("pgstore: create user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (store.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

func (s *Store) ListUsers(ctx context.Context) ([]store.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list users: %w", err)
	}
	defer rows.Close()

	var out []store.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: list users: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) UpdateUser(ctx context.Context, id int64, patch store.UserPatch) (store.User, error) {
	if patch.Empty() {
		return s.GetUser(ctx, id)
	}
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.PasswordHash != nil {
		add("password_hash", *patch.PasswordHash)
	}
	if patch.IsAdmin != nil {
		add("is_admin", *patch.IsAdmin)
	}
	if patch.IsLocked != nil {
		add("is_locked", *patch.IsLocked)
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE users SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), userColumns)

	u, err := scanUser(s.pool.QueryRow(ctx, query, args...))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return store.User{}, fmt.Errorf("pgstore: update user: %w", err)
	}
	return u, err
}

func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("pgstore: delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetConfig(ctx context.Context, userID int64) (store.UserConfig, error) {
	cfg := store.UserConfig{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT api_key, voice_agent_id, chat_agent_id, webhook_url, webhook_api_key, updated_at
		 FROM user_config WHERE user_id = $1`, userID).
		Scan(&cfg.APIKey, &cfg.VoiceAgentID, &cfg.ChatAgentID, &cfg.WebhookURL, &cfg.WebhookAPIKey, &cfg.UpdatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return store.UserConfig{UserID: userID}, nil
	case err != nil:
		return store.UserConfig{}, fmt.Errorf("pgstore: get config: %w", err)
	}
	return cfg, nil
}

func (s *Store) PutConfig(ctx context.Context, cfg store.UserConfig) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_config (user_id, api_key, voice_agent_id, chat_agent_id, webhook_url, webhook_api_key, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (user_id) DO UPDATE SET
		   api_key = EXCLUDED.api_key,
		   voice_agent_id = EXCLUDED.voice_agent_id,
		   chat_agent_id = EXCLUDED.chat_agent_id,
		   webhook_url = EXCLUDED.webhook_url,
		   webhook_api_key = EXCLUDED.webhook_api_key,
		   updated_at = now()`,
		cfg.UserID, cfg.APIKey, cfg.VoiceAgentID, cfg.ChatAgentID, cfg.WebhookURL, cfg.WebhookAPIKey)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return store.ErrNotFound
		}
		return fmt.Errorf("pgstore: put config: %w", err)
	}
	return nil
}

func (s *Store) GetSIPConfig(ctx context.Context, userID int64) (store.SIPConfig, error) {
	cfg := store.SIPConfig{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT registrar, port, protocol, websocket_url, username, password, display_name, certificate_path, updated_at
		 FROM sip_config WHERE user_id = $1`, userID).
		Scan(&cfg.Registrar, &cfg.Port, &cfg.Protocol, &cfg.WebSocketURL, &cfg.Username,
			&cfg.Password, &cfg.DisplayName, &cfg.CertificatePath, &cfg.UpdatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return store.DefaultSIPConfig(userID), nil
	case err != nil:
		return store.SIPConfig{}, fmt.Errorf("pgstore: get sip config: %w", err)
	}
	return cfg, nil
}

func (s *Store) PutSIPConfig(ctx context.Context, cfg store.SIPConfig) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sip_config (user_id, registrar, port, protocol, websocket_url, username, password, display_name, certificate_path, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		 ON CONFLICT (user_id) DO UPDATE SET
		   registrar = EXCLUDED.registrar,
		   port = EXCLUDED.port,
		   protocol = EXCLUDED.protocol,
		   websocket_url = EXCLUDED.websocket_url,
		   username = EXCLUDED.username,
		   password = EXCLUDED.password,
		   display_name = EXCLUDED.display_name,
		   certificate_path = EXCLUDED.certificate_path,
		   updated_at = now()`,
		cfg.UserID, cfg.Registrar, cfg.Port, cfg.Protocol, cfg.WebSocketURL, cfg.Username,
		cfg.Password, cfg.DisplayName, cfg.CertificatePath)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return store.ErrNotFound
		}
		return fmt.Errorf("pgstore: put sip config: %w", err)
	}
	return nil
}

// SchemaVersion reports the applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int64, error) {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	return migrations.Version(ctx, db, migrations.Postgres)
}
