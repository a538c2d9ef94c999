// Package sqlstore implements store.Store on an embedded SQLite database.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/vango-go/voice-orchestrator/pkg/store"
	"github.com/vango-go/voice-orchestrator/pkg/store/migrations"
)

const timeLayout = time.RFC3339Nano

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies
// migrations. path may be ":memory:" for a private in-memory database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	// SQLite serializes writers; one connection also keeps :memory: stable.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}
	if err := migrations.Up(ctx, db, migrations.SQLite, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// DB exposes the underlying handle for migration tooling.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) stamp() string { return s.now().UTC().Format(timeLayout) }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (store.User, error) {
	var (
		u       store.User
		created string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.IsLocked, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, store.ErrNotFound
		}
		return store.User{}, err
	}
	u.CreatedAt = parseTime(created)
	return u, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
}

const userColumns = `id, username, password_hash, is_admin, is_locked, created_at`

func (s *Store) CreateUser(ctx context.Context, username, passwordHash string, isAdmin bool) (store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO users (username, password_hash, is_admin, is_locked, created_at)
		 VALUES (?, ?, ?, 0, ?) RETURNING `+userColumns,
		username, passwordHash, isAdmin, s.stamp())
	u, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return store.User{}, store.ErrConflict
		}
		return store.User{}, fmt.Errorf("sqlstore: create user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (store.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

func (s *Store) ListUsers(ctx context.Context) ([]store.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list users: %w", err)
	}
	defer rows.Close()

	var out []store.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: list users: %w", err)
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
	if patch.PasswordHash != nil {
		sets = append(sets, "password_hash = ?")
		args = append(args, *patch.PasswordHash)
	}
	if patch.IsAdmin != nil {
		sets = append(sets, "is_admin = ?")
		args = append(args, *patch.IsAdmin)
	}
	if patch.IsLocked != nil {
		sets = append(sets, "is_locked = ?")
		args = append(args, *patch.IsLocked)
	}
	args = append(args, id)
	row := s.db.QueryRowContext(ctx,
		`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ? RETURNING `+userColumns, args...)
	u, err := scanUser(row)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return store.User{}, fmt.Errorf("sqlstore: update user: %w", err)
	}
	return u, err
}

func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlstore: delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetConfig(ctx context.Context, userID int64) (store.UserConfig, error) {
	cfg := store.UserConfig{UserID: userID}
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT api_key, voice_agent_id, chat_agent_id, webhook_url, webhook_api_key, updated_at
		 FROM user_config WHERE user_id = ?`, userID).
		Scan(&cfg.APIKey, &cfg.VoiceAgentID, &cfg.ChatAgentID, &cfg.WebhookURL, &cfg.WebhookAPIKey, &updated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return cfg, nil
	case err != nil:
		return store.UserConfig{}, fmt.Errorf("sqlstore: get config: %w", err)
	}
	cfg.UpdatedAt = parseTime(updated)
	return cfg, nil
}

func (s *Store) PutConfig(ctx context.Context, cfg store.UserConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_config (user_id, api_key, voice_agent_id, chat_agent_id, webhook_url, webhook_api_key, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   api_key = excluded.api_key,
		   voice_agent_id = excluded.voice_agent_id,
		   chat_agent_id = excluded.chat_agent_id,
		   webhook_url = excluded.webhook_url,
		   webhook_api_key = excluded.webhook_api_key,
		   updated_at = excluded.updated_at`,
		cfg.UserID, cfg.APIKey, cfg.VoiceAgentID, cfg.ChatAgentID, cfg.WebhookURL, cfg.WebhookAPIKey, s.stamp())
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrNotFound
		}
		return fmt.Errorf("sqlstore: put config: %w", err)
	}
	return nil
}

func (s *Store) GetSIPConfig(ctx context.Context, userID int64) (store.SIPConfig, error) {
	cfg := store.SIPConfig{UserID: userID}
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT registrar, port, protocol, websocket_url, username, password, display_name, certificate_path, updated_at
		 FROM sip_config WHERE user_id = ?`, userID).
		Scan(&cfg.Registrar, &cfg.Port, &cfg.Protocol, &cfg.WebSocketURL, &cfg.Username,
			&cfg.Password, &cfg.DisplayName, &cfg.CertificatePath, &updated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return store.DefaultSIPConfig(userID), nil
	case err != nil:
		return store.SIPConfig{}, fmt.Errorf("sqlstore: get sip config: %w", err)
	}
	cfg.UpdatedAt = parseTime(updated)
	return cfg, nil
}

func (s *Store) PutSIPConfig(ctx context.Context, cfg store.SIPConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sip_config (user_id, registrar, port, protocol, websocket_url, username, password, display_name, certificate_path, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   registrar = excluded.registrar,
		   port = excluded.port,
		   protocol = excluded.protocol,
		   websocket_url = excluded.websocket_url,
		   username = excluded.username,
		   password = excluded.password,
		   display_name = excluded.display_name,
		   certificate_path = excluded.certificate_path,
		   updated_at = excluded.updated_at`,
		cfg.UserID, cfg.Registrar, cfg.Port, cfg.Protocol, cfg.WebSocketURL, cfg.Username,
		cfg.Password, cfg.DisplayName, cfg.CertificatePath, s.stamp())
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrNotFound
		}
		return fmt.Errorf("sqlstore: put sip config: %w", err)
	}
	return nil
}

// SchemaVersion reports the applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int64, error) {
	return migrations.Version(ctx, s.db, migrations.SQLite)
}
