package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"VOICEDASH_CONFIG_FILE",
	"VOICEDASH_ADDR",
	"VOICEDASH_DB_DRIVER",
	"VOICEDASH_DB_DSN",
	"VOICEDASH_DB_CONNECT_ATTEMPTS",
	"VOICEDASH_JWT_SECRET",
	"VOICEDASH_TOKEN_TTL",
	"VOICEDASH_TRUST_PROXY_HEADERS",
	"VOICEDASH_CORS_ORIGINS",
	"VOICEDASH_MAX_BODY_BYTES",
	"VOICEDASH_MAX_IMPORT_BYTES",
	"VOICEDASH_ELEVENLABS_API_BASE",
	"VOICEDASH_ELEVENLABS_WS_BASE",
	"VOICEDASH_UPSTREAM_TIMEOUT",
	"VOICEDASH_REPLY_TIMEOUT",
	"VOICEDASH_CONNECT_TIMEOUT",
	"VOICEDASH_SESSION_PING_INTERVAL",
	"VOICEDASH_SESSION_WRITE_TIMEOUT",
	"VOICEDASH_SESSION_MAX_MESSAGE_BYTES",
	"VOICEDASH_SESSION_READ_TIMEOUT",
	"VOICEDASH_AUDIO_MAX_FPS",
	"VOICEDASH_AUDIO_MAX_BYTES_PER_SECOND",
	"VOICEDASH_LOGIN_RPS",
	"VOICEDASH_LOGIN_BURST",
	"VOICEDASH_API_RPS",
	"VOICEDASH_API_BURST",
	"VOICEDASH_READ_HEADER_TIMEOUT",
	"VOICEDASH_READ_TIMEOUT",
	"VOICEDASH_SHUTDOWN_GRACE_PERIOD",
	"VOICEDASH_METRICS_ENABLED",
	"VOICEDASH_STATIC_DIR",
}

const testSecret = "0123456789abcdef0123"

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("VOICEDASH_JWT_SECRET", testSecret)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.DBDriver != DBDriverSQLite || cfg.DBDSN != "voicedash.db" {
		t.Fatalf("DB = %q %q", cfg.DBDriver, cfg.DBDSN)
	}
	if cfg.ReplyTimeout != 60*time.Second {
		t.Fatalf("ReplyTimeout = %v, want 60s", cfg.ReplyTimeout)
	}
	if cfg.ConnectTimeout != 10*time.Second {
		t.Fatalf("ConnectTimeout = %v, want 10s", cfg.ConnectTimeout)
	}
	if cfg.TokenTTL != 7*24*time.Hour {
		t.Fatalf("TokenTTL = %v", cfg.TokenTTL)
	}
	if !cfg.MetricsEnabled {
		t.Fatalf("MetricsEnabled = false, want true")
	}
	if len(cfg.CORSAllowedOrigins) != 0 {
		t.Fatalf("CORSAllowedOrigins = %v, want empty", cfg.CORSAllowedOrigins)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("VOICEDASH_JWT_SECRET", testSecret)
	t.Setenv("VOICEDASH_DB_DRIVER", "Postgres")
	t.Setenv("VOICEDASH_DB_DSN", "postgres://localhost/voicedash")
	t.Setenv("VOICEDASH_CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("VOICEDASH_REPLY_TIMEOUT", "90s")
	t.Setenv("VOICEDASH_METRICS_ENABLED", "off")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.DBDriver != DBDriverPostgres {
		t.Fatalf("DBDriver = %q", cfg.DBDriver)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
	if cfg.ReplyTimeout != 90*time.Second {
		t.Fatalf("ReplyTimeout = %v", cfg.ReplyTimeout)
	}
	if cfg.MetricsEnabled {
		t.Fatalf("MetricsEnabled = true, want false")
	}
}

func TestLoadFromEnv_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing secret", map[string]string{"VOICEDASH_JWT_SECRET": ""}, "VOICEDASH_JWT_SECRET must be set"},
		{"short secret", map[string]string{"VOICEDASH_JWT_SECRET": "short"}, "at least 16 bytes"},
		{"bad driver", map[string]string{"VOICEDASH_DB_DRIVER": "mysql"}, "VOICEDASH_DB_DRIVER"},
		{"postgres needs dsn", map[string]string{"VOICEDASH_DB_DRIVER": "postgres"}, "VOICEDASH_DB_DSN"},
		{"zero body", map[string]string{"VOICEDASH_MAX_BODY_BYTES": "0"}, "VOICEDASH_MAX_BODY_BYTES"},
		{"negative reply timeout", map[string]string{"VOICEDASH_REPLY_TIMEOUT": "-1s"}, "VOICEDASH_REPLY_TIMEOUT"},
		{"negative login rps", map[string]string{"VOICEDASH_LOGIN_RPS": "-1"}, "VOICEDASH_LOGIN_RPS"},
		{"read timeout under ping", map[string]string{"VOICEDASH_SESSION_READ_TIMEOUT": "10s"}, "VOICEDASH_SESSION_READ_TIMEOUT"},
		{"static dir missing", map[string]string{"VOICEDASH_STATIC_DIR": "/definitely/not/here"}, "VOICEDASH_STATIC_DIR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("VOICEDASH_JWT_SECRET", testSecret)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadFromEnv_FileUnderEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "voicedash.yaml")
	doc := `
addr: ":9090"
jwt_secret: "` + testSecret + `"
reply_timeout: 45s
login_burst: 9
cors_origins:
  - https://a.example
  - https://b.example
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VOICEDASH_CONFIG_FILE", path)
	t.Setenv("VOICEDASH_ADDR", ":7070")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != ":7070" {
		t.Fatalf("Addr = %q, env should win", cfg.Addr)
	}
	if cfg.ReplyTimeout != 45*time.Second {
		t.Fatalf("ReplyTimeout = %v", cfg.ReplyTimeout)
	}
	if cfg.LoginBurst != 9 {
		t.Fatalf("LoginBurst = %d", cfg.LoginBurst)
	}
	if _, ok := cfg.CORSAllowedOrigins["https://b.example"]; !ok {
		t.Fatalf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
}

func TestParseFile_RejectsUnknownKeys(t *testing.T) {
	_, err := parseFile([]byte("addr: x\nreply_timout: 5s\n"))
	if err == nil || !strings.Contains(err.Error(), "reply_timout") {
		t.Fatalf("err = %v", err)
	}
	_, err = parseFile([]byte("addr:\n  nested: true\n"))
	if err == nil {
		t.Fatalf("expected error for nested map")
	}
}

func TestLoadDatabaseFromEnv_NeedsNoSecret(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadDatabaseFromEnv()
	if err != nil {
		t.Fatalf("LoadDatabaseFromEnv() error = %v", err)
	}
	if cfg.DBDriver != DBDriverSQLite || cfg.DBDSN != "voicedash.db" || cfg.DBConnectAttempts != 5 {
		t.Fatalf("cfg = %+v", cfg)
	}

	t.Setenv("VOICEDASH_DB_DRIVER", "postgres")
	if _, err := LoadDatabaseFromEnv(); err == nil || !strings.Contains(err.Error(), "VOICEDASH_DB_DSN") {
		t.Fatalf("err = %v", err)
	}
}
