package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/voice-orchestrator/pkg/core/live"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/auth"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/config"
	gatewayserver "github.com/vango-go/voice-orchestrator/pkg/gateway/server"
	"github.com/vango-go/voice-orchestrator/pkg/store"
	"github.com/vango-go/voice-orchestrator/pkg/store/sqlstore"
	"github.com/vango-go/voice-orchestrator/pkg/webhook"
)

type result struct {
	code   int
	stdout string
	stderr string
}

// run executes one CLI invocation against the sqlite file at dbPath.
func run(t *testing.T, dbPath, stdin string, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	a := newApp(strings.NewReader(stdin), &stdout, &stderr)
	a.loadDBCfg = func() (config.Config, error) {
		return config.Config{DBDriver: config.DBDriverSQLite, DBDSN: dbPath, DBConnectAttempts: 1}, nil
	}
	code := runMain(context.Background(), append([]string{"--env-file", "", "--log-level", "error"}, args...), a)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	a := newApp(strings.NewReader(""), io.Discard, &stderr)
	a.serve.loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("boom")
	}
	a.serve.newServer = func(config.Config, *slog.Logger, gatewayserver.Dependencies) *gatewayserver.Server {
		t.Fatalf("newServer should not be called when config load fails")
		return nil
	}
	a.serve.signalNotify = func(chan<- os.Signal, ...os.Signal) {}
	a.serve.signalStop = func(chan<- os.Signal) {}

	if code := runMain(context.Background(), []string{"--env-file", "", "serve"}, a); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if got := stderr.String(); !strings.Contains(got, "load config: boom") {
		t.Fatalf("stderr = %q", got)
	}
}

func TestRunMain_RejectsBadLogLevel(t *testing.T) {
	t.Parallel()

	res := run(t, filepath.Join(t.TempDir(), "x.db"), "", "--log-level", "loud", "migrate")
	if res.code != 1 || !strings.Contains(res.stderr, "invalid --log-level") {
		t.Fatalf("res = %+v", res)
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       3 * time.Second,
	}
	srv := buildHTTPServer(cfg, http.NotFoundHandler())

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr = %q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout || srv.ReadTimeout != cfg.ReadTimeout {
		t.Fatalf("timeouts = %v/%v", srv.ReadHeaderTimeout, srv.ReadTimeout)
	}
	if srv.Handler == nil {
		t.Fatalf("Handler is nil")
	}
}

func TestMigrate_PrintsSchemaVersion(t *testing.T) {
	t.Parallel()

	res := run(t, filepath.Join(t.TempDir(), "m.db"), "", "migrate")
	if res.code != 0 {
		t.Fatalf("exit %d: %s", res.code, res.stderr)
	}
	if !strings.HasPrefix(res.stdout, "schema version ") || strings.Contains(res.stdout, "version 0") {
		t.Fatalf("stdout = %q", res.stdout)
	}
}

func TestUserCommands_Lifecycle(t *testing.T) {
	t.Parallel()
	db := filepath.Join(t.TempDir(), "users.db")

	if res := run(t, db, "password1\n", "user", "add", "ada", "--admin"); res.code != 0 {
		t.Fatalf("add: %+v", res)
	}
	if res := run(t, db, "password1\n", "user", "add", "ada"); res.code != 1 || !strings.Contains(res.stderr, "already taken") {
		t.Fatalf("duplicate add: %+v", res)
	}
	if res := run(t, db, "short\n", "user", "add", "bob"); res.code != 1 || !strings.Contains(res.stderr, "at least") {
		t.Fatalf("short password: %+v", res)
	}

	if res := run(t, db, "", "user", "lock", "ada"); res.code != 0 || !strings.Contains(res.stdout, "locked=true") {
		t.Fatalf("lock: %+v", res)
	}
	if res := run(t, db, "", "user", "make-admin", "ada", "--revoke"); res.code != 0 || !strings.Contains(res.stdout, "admin=false") {
		t.Fatalf("revoke: %+v", res)
	}
	if res := run(t, db, "newpassword\n", "user", "passwd", "ada"); res.code != 0 {
		t.Fatalf("passwd: %+v", res)
	}

	res := run(t, db, "", "user", "set-config", "ada", "--chat-agent", " agent_chat ", "--webhook-url", "https://hooks.example.com/x")
	if res.code != 0 {
		t.Fatalf("set-config: %+v", res)
	}
	if res := run(t, db, "", "user", "set-config", "ada", "--webhook-url", "ftp://nope"); res.code != 1 {
		t.Fatalf("bad webhook accepted: %+v", res)
	}

	list := run(t, db, "", "user", "list")
	if list.code != 0 {
		t.Fatalf("list: %+v", list)
	}
	if !strings.Contains(list.stdout, "USERNAME") || !strings.Contains(list.stdout, "ada") {
		t.Fatalf("list stdout = %q", list.stdout)
	}

	st, err := sqlstore.Open(context.Background(), db, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	u, err := st.GetUserByUsername(context.Background(), "ada")
	if err != nil {
		t.Fatal(err)
	}
	if u.IsAdmin || !u.IsLocked {
		t.Fatalf("user = %+v", u)
	}
	if !auth.CheckPassword(u.PasswordHash, "newpassword") {
		t.Fatalf("password not rotated")
	}
	cfg, err := st.GetConfig(context.Background(), u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ChatAgentID != "agent_chat" || cfg.WebhookURL != "https://hooks.example.com/x" {
		t.Fatalf("config = %+v", cfg)
	}

	if res := run(t, db, "", "user", "delete", "ada"); res.code != 0 {
		t.Fatalf("delete: %+v", res)
	}
	if res := run(t, db, "", "user", "delete", "ada"); res.code != 1 || !strings.Contains(res.stderr, `no user named "ada"`) {
		t.Fatalf("second delete: %+v", res)
	}
}

func TestUserCommands_ImportExport(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	db := filepath.Join(dir, "io.db")

	csvPath := filepath.Join(dir, "in.csv")
	doc := "username,password,is_admin,chat_agent_id\n" +
		"mona,password1,true,agent_m\n" +
		"nils,,false,\n"
	if err := os.WriteFile(csvPath, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	res := run(t, db, "", "user", "import", csvPath)
	if res.code != 1 {
		t.Fatalf("import with a bad row should fail: %+v", res)
	}
	if !strings.Contains(res.stdout, "created 1, updated 0, failed 1") || !strings.Contains(res.stderr, "nils") {
		t.Fatalf("import output = %+v", res)
	}

	res = run(t, db, "username,is_locked\nmona,true\n", "user", "import", "-")
	if res.code != 0 || !strings.Contains(res.stdout, "updated 1") {
		t.Fatalf("stdin import: %+v", res)
	}

	res = run(t, db, "", "user", "export")
	if res.code != 0 {
		t.Fatalf("export: %+v", res)
	}
	lines := strings.Split(strings.TrimSpace(res.stdout), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[1], "mona,,true,true,,,agent_m") {
		t.Fatalf("export = %q", res.stdout)
	}

	out := filepath.Join(dir, "out.csv")
	if res := run(t, db, "", "user", "export", out); res.code != 0 {
		t.Fatalf("export to file: %+v", res)
	}
	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != res.stdout {
		t.Fatalf("file export differs from stdout export")
	}
}

// echoAgent replies to each text with "echo: <text>".
type echoAgent struct {
	mu      sync.Mutex
	events  chan live.Event
	targets []live.Target
}

func (e *echoAgent) Connect(_ context.Context, target live.Target) error {
	e.mu.Lock()
	e.targets = append(e.targets, target)
	e.mu.Unlock()
	e.events <- &live.ConnectedEvent{ConversationID: "conv_cli"}
	return nil
}

func (e *echoAgent) Disconnect(context.Context) error { return nil }

func (e *echoAgent) SendText(_ context.Context, text string) error {
	e.events <- &live.AgentMessageEvent{Text: "echo: " + text}
	return nil
}

func (e *echoAgent) SendUserActivity(context.Context) error { return nil }
func (e *echoAgent) SendAudio(context.Context, string) error { return nil }
func (e *echoAgent) Events() <-chan live.Event               { return e.events }

type echoWebhook struct{}

func (echoWebhook) Forward(_ context.Context, msg string, _ webhook.Target) (string, error) {
	return "done: " + msg, nil
}

func newChatBackend(t *testing.T, chatAgent string) string {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := sqlstore.Open(ctx, filepath.Join(t.TempDir(), "chat.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	hash, err := auth.HashPassword("password1")
	if err != nil {
		t.Fatal(err)
	}
	u, err := st.CreateUser(ctx, "cleo", hash, false)
	if err != nil {
		t.Fatal(err)
	}
	err = st.PutConfig(ctx, store.UserConfig{UserID: u.ID, ChatAgentID: chatAgent, WebhookURL: "https://hooks.example.com/x"})
	if err != nil {
		t.Fatal(err)
	}
	tokens, err := auth.NewTokens([]byte(strings.Repeat("k", 32)), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	gw := gatewayserver.New(config.Config{
		CORSAllowedOrigins: map[string]struct{}{},
		MaxBodyBytes:       1 << 20,
		MaxImportBytes:     1 << 20,
		UpstreamTimeout:    time.Second,
	}, logger, gatewayserver.Dependencies{
		Store:   st,
		Auth:    auth.NewService(st, tokens),
		Webhook: echoWebhook{},
	})
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestChat_TextConversation(t *testing.T) {
	t.Setenv("VOICEDASH_PASSWORD", "")
	backend := newChatBackend(t, "agent_chat")

	agent := &echoAgent{events: make(chan live.Event, 16)}
	var stdout, stderr bytes.Buffer
	a := newApp(strings.NewReader("password1\nhello\n/webhook lights on\n/quit\n"), &stdout, &stderr)
	a.newTransport = func(*slog.Logger) live.Transport { return agent }

	code := runMain(context.Background(), []string{"--env-file", "", "chat", "--server", backend, "-u", "cleo"}, a)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"signed in as cleo", "agent: echo: hello", "webhook: done: lights on"} {
		if !strings.Contains(out, want) {
			t.Fatalf("stdout missing %q:\n%s", want, out)
		}
	}
	agent.mu.Lock()
	defer agent.mu.Unlock()
	if len(agent.targets) != 1 || agent.targets[0].AgentID != "agent_chat" || !agent.targets[0].TextOnly {
		t.Fatalf("targets = %+v", agent.targets)
	}
}

func TestChat_RequiresChatAgent(t *testing.T) {
	t.Setenv("VOICEDASH_PASSWORD", "password1")
	backend := newChatBackend(t, "")

	var stderr bytes.Buffer
	a := newApp(strings.NewReader(""), io.Discard, &stderr)
	a.newTransport = func(*slog.Logger) live.Transport {
		t.Fatalf("transport should not be created")
		return nil
	}
	code := runMain(context.Background(), []string{"--env-file", "", "chat", "--server", backend, "-u", "cleo"}, a)
	if code != 1 || !strings.Contains(stderr.String(), "no chat agent") {
		t.Fatalf("exit %d, stderr %q", code, stderr.String())
	}
}

func TestChat_BadPassword(t *testing.T) {
	t.Setenv("VOICEDASH_PASSWORD", "wrong-password")
	backend := newChatBackend(t, "agent_chat")

	var stderr bytes.Buffer
	a := newApp(strings.NewReader(""), io.Discard, &stderr)
	code := runMain(context.Background(), []string{"--env-file", "", "chat", "--server", backend, "-u", "cleo"}, a)
	if code != 1 || !strings.Contains(stderr.String(), "sign in") {
		t.Fatalf("exit %d, stderr %q", code, stderr.String())
	}
}
