package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/voice-orchestrator/pkg/core/live"
	"github.com/vango-go/voice-orchestrator/pkg/webhook"
)

// echoTransport answers every text with "echo: <text>".
type echoTransport struct {
	mu        sync.Mutex
	events    chan live.Event
	connected bool
	targets   []live.Target
	closed    bool
}

func newEchoTransport() *echoTransport {
	return &echoTransport{events: make(chan live.Event, 32)}
}

func (e *echoTransport) Connect(_ context.Context, target live.Target) error {
	e.mu.Lock()
	e.connected = true
	e.targets = append(e.targets, target)
	e.mu.Unlock()
	e.events <- &live.ConnectedEvent{ConversationID: "conv_1"}
	return nil
}

func (e *echoTransport) Disconnect(context.Context) error {
	e.mu.Lock()
	was := e.connected
	e.connected = false
	e.mu.Unlock()
	if was {
		e.events <- &live.DisconnectedEvent{Reason: "client"}
	}
	return nil
}

func (e *echoTransport) SendText(_ context.Context, text string) error {
	e.events <- &live.AgentMessageEvent{Text: "echo: " + text}
	return nil
}

func (e *echoTransport) SendUserActivity(context.Context) error { return nil }

func (e *echoTransport) SendAudio(context.Context, string) error { return nil }

func (e *echoTransport) Events() <-chan live.Event { return e.events }

func (e *echoTransport) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *echoTransport) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type fakeHook struct {
	mu     sync.Mutex
	got    []string
	target webhook.Target
}

func (f *fakeHook) Forward(_ context.Context, message string, target webhook.Target) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, message)
	f.target = target
	return "workflow says hi", nil
}

type harness struct {
	conn      *websocket.Conn
	transport *echoTransport
	hook      *fakeHook
	done      chan error
}

func startSession(t *testing.T, creds live.Credentials) *harness {
	t.Helper()
	h := &harness{
		transport: newEchoTransport(),
		hook:      &fakeHook{},
		done:      make(chan error, 1),
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.done <- err
			return
		}
		s, err := New(Dependencies{
			Conn:          conn,
			SessionID:     "sess_test",
			UserID:        42,
			Username:      "alice",
			Credentials:   creds,
			Transport:     h.transport,
			Webhook:       h.hook,
			WebhookTarget: webhook.Target{URL: "https://hooks.example.com/wf", APIKey: "k"},
			Config: Config{
				PingInterval:   time.Hour,
				WriteTimeout:   time.Second,
				ReplyTimeout:   5 * time.Second,
				ConnectTimeout: time.Second,
			},
		})
		if err != nil {
			h.done <- err
			return
		}
		h.done <- s.Run()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	h.conn = conn
	return h
}

func (h *harness) send(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, h.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// readUntil reads frames until match returns true.
func (h *harness) readUntil(t *testing.T, match func(map[string]any) bool) map[string]any {
	t.Helper()
	require.NoError(t, h.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := h.conn.ReadMessage()
		require.NoError(t, err)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		if match(frame) {
			return frame
		}
	}
}

func ofType(typ string) func(map[string]any) bool {
	return func(f map[string]any) bool { return f["type"] == typ }
}

func transcriptHas(role, content string) func(map[string]any) bool {
	return func(f map[string]any) bool {
		if f["type"] != "state" {
			return false
		}
		entries, _ := f["transcript"].([]any)
		for _, e := range entries {
			m, _ := e.(map[string]any)
			if m["role"] == role && m["content"] == content {
				return true
			}
		}
		return false
	}
}

func TestSession_TextExchangeOverBridge(t *testing.T) {
	h := startSession(t, live.Credentials{VoiceAgentID: "agent_voice", ChatAgentID: "agent_chat"})

	hello := h.readUntil(t, ofType("hello"))
	assert.Equal(t, "sess_test", hello["session_id"])
	assert.Equal(t, "alice", hello["username"])

	h.send(t, `{"type":"set_mode","mode":"text"}`)
	h.readUntil(t, func(f map[string]any) bool { return f["type"] == "state" && f["mode"] == "TEXT" })

	h.send(t, `{"type":"send_text","text":"hi"}`)
	state := h.readUntil(t, transcriptHas("assistant", "echo: hi"))
	assert.Equal(t, "CONNECTED", state["connectionState"])

	h.transport.mu.Lock()
	require.Len(t, h.transport.targets, 1)
	assert.Equal(t, "agent_chat", h.transport.targets[0].AgentID)
	assert.True(t, h.transport.targets[0].TextOnly)
	h.transport.mu.Unlock()

	h.send(t, `{"type":"disconnect"}`)
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end after disconnect")
	}
	assert.True(t, h.transport.isClosed())
}

func TestSession_ToggleVoiceRespectsBrowserPermission(t *testing.T) {
	h := startSession(t, live.Credentials{VoiceAgentID: "agent_voice"})
	h.readUntil(t, ofType("hello"))

	h.send(t, `{"type":"toggle_voice","microphone":"denied"}`)
	state := h.readUntil(t, func(f map[string]any) bool {
		le, _ := f["lastError"].(map[string]any)
		return f["type"] == "state" && le != nil
	})
	le := state["lastError"].(map[string]any)
	assert.Equal(t, "permission_denied", le["type"])
	assert.Equal(t, "DISCONNECTED", state["connectionState"])

	h.send(t, `{"type":"toggle_voice","microphone":"granted"}`)
	state = h.readUntil(t, func(f map[string]any) bool {
		return f["type"] == "state" && f["isVoiceActive"] == true
	})
	assert.Equal(t, "CONNECTED", state["connectionState"])
}

func TestSession_BadFrameKeepsSessionOpen(t *testing.T) {
	h := startSession(t, live.Credentials{ChatAgentID: "agent_chat"})
	h.readUntil(t, ofType("hello"))

	h.send(t, `{"type":"launch_rockets"}`)
	errFrame := h.readUntil(t, ofType("error"))
	assert.Equal(t, "bad_request", errFrame["code"])
	assert.NotEqual(t, true, errFrame["close"])

	h.send(t, `{"type":"send_text","text":"   "}`)
	errFrame = h.readUntil(t, ofType("error"))
	assert.Equal(t, "invalid_request_error", errFrame["code"])

	h.send(t, `{"type":"forward_webhook","text":"start workflow"}`)
	result := h.readUntil(t, ofType("webhook_result"))
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, "workflow says hi", result["reply"])

	h.hook.mu.Lock()
	assert.Equal(t, []string{"start workflow"}, h.hook.got)
	assert.Equal(t, "https://hooks.example.com/wf", h.hook.target.URL)
	h.hook.mu.Unlock()
}

func TestSession_CancelClosesClient(t *testing.T) {
	h := &harness{transport: newEchoTransport(), done: make(chan error, 1)}
	sessCh := make(chan *Session, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s, err := New(Dependencies{Conn: conn, SessionID: "s", Transport: h.transport, Config: Config{PingInterval: time.Hour}})
		if err != nil {
			return
		}
		sessCh <- s
		h.done <- s.Run()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	h.conn = conn
	h.readUntil(t, ofType("hello"))

	s := <-sessCh
	require.NoError(t, s.SendWarning("draining", "server is shutting down"))
	w := h.readUntil(t, ofType("warning"))
	assert.Equal(t, "draining", w["code"])

	s.Cancel()
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop after Cancel")
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err=%v", err)
			break
		}
	}
}
