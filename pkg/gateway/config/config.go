// Package config loads server settings from the environment, optionally
// layered over a YAML file.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envPrefix  = "VOICEDASH_"
	envFileKey = "VOICEDASH_CONFIG_FILE"

	DBDriverSQLite   = "sqlite"
	DBDriverPostgres = "postgres"
)

type Config struct {
	Addr string

	DBDriver string
	DBDSN    string
	// DBConnectAttempts bounds startup retries while the database comes up.
	DBConnectAttempts int

	JWTSecret string
	TokenTTL  time.Duration

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the server is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	CORSAllowedOrigins map[string]struct{} // empty => disabled

	MaxBodyBytes   int64
	MaxImportBytes int64

	ElevenLabsAPIBase string
	ElevenLabsWSBase  string
	UpstreamTimeout   time.Duration

	ReplyTimeout   time.Duration
	ConnectTimeout time.Duration

	// /v1/session bridge.
	SessionPingInterval    time.Duration
	SessionWriteTimeout    time.Duration
	SessionMaxMessageBytes int64
	// SessionReadTimeout closes a bridge whose client stops answering pings.
	SessionReadTimeout time.Duration
	// Inbound microphone audio caps per session; zero disables a cap.
	AudioMaxFPS            int
	AudioMaxBytesPerSecond int64

	// Login attempts per client IP.
	LoginRPS   float64
	LoginBurst int
	// Authenticated API calls per user.
	APIRPS   float64
	APIBurst int

	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration

	MetricsEnabled bool
	StaticDir      string
}

// source resolves a key from the environment first, then the config file.
type source struct {
	file map[string]string
}

func (s source) get(key string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return strings.TrimSpace(s.file[strings.ToLower(key)])
}

// LoadFromEnv reads VOICEDASH_* variables. When VOICEDASH_CONFIG_FILE names a
// YAML file, its keys (the variable names without the prefix, lower-case)
// supply values for variables that are unset.
func LoadFromEnv() (Config, error) {
	file, err := readFile(strings.TrimSpace(os.Getenv(envFileKey)))
	if err != nil {
		return Config{}, err
	}
	return load(source{file: file})
}

// LoadDatabaseFromEnv reads only the database settings. Maintenance
// commands use it so they run without the server secrets.
func LoadDatabaseFromEnv() (Config, error) {
	file, err := readFile(strings.TrimSpace(os.Getenv(envFileKey)))
	if err != nil {
		return Config{}, err
	}
	src := source{file: file}
	cfg := Config{
		DBDriver:          strings.ToLower(src.envOr("DB_DRIVER", DBDriverSQLite)),
		DBDSN:             src.envOr("DB_DSN", ""),
		DBConnectAttempts: src.envIntOr("DB_CONNECT_ATTEMPTS", 5),
	}
	if err := cfg.validateDatabase(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) validateDatabase() error {
	switch cfg.DBDriver {
	case DBDriverSQLite:
		if cfg.DBDSN == "" {
			cfg.DBDSN = "voicedash.db"
		}
	case DBDriverPostgres:
		if cfg.DBDSN == "" {
			return fmt.Errorf("VOICEDASH_DB_DSN must be set when VOICEDASH_DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("VOICEDASH_DB_DRIVER must be one of sqlite|postgres")
	}
	if cfg.DBConnectAttempts <= 0 {
		return fmt.Errorf("VOICEDASH_DB_CONNECT_ATTEMPTS must be > 0")
	}
	return nil
}

func load(src source) (Config, error) {
	cfg := Config{
		Addr:                   src.envOr("ADDR", ":8080"),
		DBDriver:               strings.ToLower(src.envOr("DB_DRIVER", DBDriverSQLite)),
		DBDSN:                  src.envOr("DB_DSN", ""),
		DBConnectAttempts:      src.envIntOr("DB_CONNECT_ATTEMPTS", 5),
		JWTSecret:              src.get("JWT_SECRET"),
		TokenTTL:               src.envDurationOr("TOKEN_TTL", 7*24*time.Hour),
		TrustProxyHeaders:      src.envBoolOr("TRUST_PROXY_HEADERS", false),
		CORSAllowedOrigins:     make(map[string]struct{}),
		MaxBodyBytes:           src.envInt64Or("MAX_BODY_BYTES", 1<<20),   // 1 MiB
		MaxImportBytes:         src.envInt64Or("MAX_IMPORT_BYTES", 8<<20), // 8 MiB
		ElevenLabsAPIBase:      src.envOr("ELEVENLABS_API_BASE", "https://api.elevenlabs.io"),
		ElevenLabsWSBase:       src.envOr("ELEVENLABS_WS_BASE", "wss://api.elevenlabs.io/v1/convai/conversation"),
		UpstreamTimeout:        src.envDurationOr("UPSTREAM_TIMEOUT", 30*time.Second),
		ReplyTimeout:           src.envDurationOr("REPLY_TIMEOUT", 60*time.Second),
		ConnectTimeout:         src.envDurationOr("CONNECT_TIMEOUT", 10*time.Second),
		SessionPingInterval:    src.envDurationOr("SESSION_PING_INTERVAL", 20*time.Second),
		SessionWriteTimeout:    src.envDurationOr("SESSION_WRITE_TIMEOUT", 5*time.Second),
		SessionMaxMessageBytes: src.envInt64Or("SESSION_MAX_MESSAGE_BYTES", 256<<10),
		SessionReadTimeout:     src.envDurationOr("SESSION_READ_TIMEOUT", 60*time.Second),
		AudioMaxFPS:            src.envIntOr("AUDIO_MAX_FPS", 100),
		AudioMaxBytesPerSecond: src.envInt64Or("AUDIO_MAX_BYTES_PER_SECOND", 128<<10),
		LoginRPS:               src.envFloat64Or("LOGIN_RPS", 0.2),
		LoginBurst:             src.envIntOr("LOGIN_BURST", 5),
		APIRPS:                 src.envFloat64Or("API_RPS", 10),
		APIBurst:               src.envIntOr("API_BURST", 20),
		ReadHeaderTimeout:      src.envDurationOr("READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:            src.envDurationOr("READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:    src.envDurationOr("SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		MetricsEnabled:         src.envBoolOr("METRICS_ENABLED", true),
		StaticDir:              src.envOr("STATIC_DIR", ""),
	}

	for _, origin := range splitCSV(src.get("CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if err := cfg.validateDatabase(); err != nil {
		return Config{}, err
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("VOICEDASH_JWT_SECRET must be set")
	}
	if len(cfg.JWTSecret) < 16 {
		return Config{}, fmt.Errorf("VOICEDASH_JWT_SECRET must be at least 16 bytes")
	}
	if cfg.TokenTTL <= 0 {
		return Config{}, fmt.Errorf("VOICEDASH_TOKEN_TTL must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEDASH_MAX_BODY_BYTES must be > 0")
	}
	if cfg.MaxImportBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEDASH_MAX_IMPORT_BYTES must be > 0")
	}
	if cfg.UpstreamTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEDASH_UPSTREAM_TIMEOUT must be > 0")
	}
	if cfg.ReplyTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEDASH_REPLY_TIMEOUT must be > 0")
	}
	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEDASH_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.SessionPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOICEDASH_SESSION_PING_INTERVAL must be > 0")
	}
	if cfg.SessionWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEDASH_SESSION_WRITE_TIMEOUT must be > 0")
	}
	if cfg.SessionMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEDASH_SESSION_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.SessionReadTimeout <= cfg.SessionPingInterval {
		return Config{}, fmt.Errorf("VOICEDASH_SESSION_READ_TIMEOUT must exceed VOICEDASH_SESSION_PING_INTERVAL")
	}
	if cfg.AudioMaxFPS < 0 || cfg.AudioMaxBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("audio caps must be >= 0")
	}
	if cfg.LoginRPS < 0 {
		return Config{}, fmt.Errorf("VOICEDASH_LOGIN_RPS must be >= 0")
	}
	if cfg.LoginBurst < 0 {
		return Config{}, fmt.Errorf("VOICEDASH_LOGIN_BURST must be >= 0")
	}
	if cfg.APIRPS < 0 {
		return Config{}, fmt.Errorf("VOICEDASH_API_RPS must be >= 0")
	}
	if cfg.APIBurst < 0 {
		return Config{}, fmt.Errorf("VOICEDASH_API_BURST must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEDASH_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEDASH_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICEDASH_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if strings.TrimSpace(cfg.ElevenLabsAPIBase) == "" {
		return Config{}, fmt.Errorf("VOICEDASH_ELEVENLABS_API_BASE must not be empty")
	}
	if strings.TrimSpace(cfg.ElevenLabsWSBase) == "" {
		return Config{}, fmt.Errorf("VOICEDASH_ELEVENLABS_WS_BASE must not be empty")
	}
	if cfg.StaticDir != "" {
		if fi, err := os.Stat(cfg.StaticDir); err != nil || !fi.IsDir() {
			return Config{}, fmt.Errorf("VOICEDASH_STATIC_DIR must be a directory")
		}
	}

	return cfg, nil
}

// knownKeys are the file keys load understands.
var knownKeys = map[string]struct{}{
	"addr": {}, "db_driver": {}, "db_dsn": {}, "db_connect_attempts": {},
	"jwt_secret": {}, "token_ttl": {}, "trust_proxy_headers": {}, "cors_origins": {},
	"max_body_bytes": {}, "max_import_bytes": {},
	"elevenlabs_api_base": {}, "elevenlabs_ws_base": {}, "upstream_timeout": {},
	"reply_timeout": {}, "connect_timeout": {},
	"session_ping_interval": {}, "session_write_timeout": {}, "session_max_message_bytes": {},
	"session_read_timeout": {}, "audio_max_fps": {}, "audio_max_bytes_per_second": {},
	"login_rps": {}, "login_burst": {}, "api_rps": {}, "api_burst": {},
	"read_header_timeout": {}, "read_timeout": {}, "shutdown_grace_period": {},
	"metrics_enabled": {}, "static_dir": {},
}

func readFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", envFileKey, err)
	}
	return parseFile(raw)
}

func parseFile(raw []byte) (map[string]string, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	out := make(map[string]string, len(doc))
	var unknown []string
	for k, v := range doc {
		key := strings.ToLower(strings.TrimSpace(k))
		if _, ok := knownKeys[key]; !ok {
			unknown = append(unknown, k)
			continue
		}
		switch tv := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(tv))
			for _, p := range tv {
				parts = append(parts, fmt.Sprint(p))
			}
			out[key] = strings.Join(parts, ",")
		case map[string]any:
			return nil, fmt.Errorf("config file key %q must be a scalar or list", k)
		default:
			out[key] = fmt.Sprint(tv)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("config file has unknown keys: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

func (s source) envOr(key, def string) string {
	v := s.get(key)
	if v == "" {
		return def
	}
	return v
}

func (s source) envInt64Or(key string, def int64) int64 {
	raw := s.get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (s source) envIntOr(key string, def int) int {
	raw := s.get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (s source) envFloat64Or(key string, def float64) float64 {
	raw := s.get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func (s source) envBoolOr(key string, def bool) bool {
	raw := s.get(key)
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func (s source) envDurationOr(key string, def time.Duration) time.Duration {
	raw := s.get(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
