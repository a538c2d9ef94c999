package live

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu sync.Mutex

	events      chan Event
	autoConnect bool
	connectErr  error
	sendErr     error

	targets     []Target
	sent        []string
	activity    int
	audio       []string
	disconnects int
	live        bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 64)}
}

func (f *fakeTransport) Connect(ctx context.Context, target Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.live = true
	if f.autoConnect {
		f.events <- &ConnectedEvent{ConversationID: "conv_1"}
	}
	return nil
}

func (f *fakeTransport) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	if f.live {
		f.live = false
		f.events <- &DisconnectedEvent{Reason: "client"}
	}
	return nil
}

func (f *fakeTransport) SendText(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) SendUserActivity(ctx context.Context) error {
	f.mu.Lock()
	f.activity++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendAudio(ctx context.Context, chunkB64 string) error {
	f.mu.Lock()
	f.audio = append(f.audio, chunkB64)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) emit(ev Event) { f.events <- ev }

func (f *fakeTransport) setAutoConnect(v bool) {
	f.mu.Lock()
	f.autoConnect = v
	f.mu.Unlock()
}

func (f *fakeTransport) snapshot() (targets []Target, sent []string, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Target(nil), f.targets...), append([]string(nil), f.sent...), f.disconnects
}

type fakeTimer struct {
	mu      sync.Mutex
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Fire runs the callback unless the timer was stopped.
func (t *fakeTimer) Fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.mu.Unlock()
	t.f()
}

// FireLate runs the callback even if Stop won the race.
func (t *fakeTimer) FireLate() { t.f() }

func (t *fakeTimer) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

func (ft *fakeTimers) count(d time.Duration) int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	n := 0
	for _, t := range ft.timers {
		if t.d == d {
			n++
		}
	}
	return n
}

// last waits for a timer of duration d to be armed and returns the newest one.
func (ft *fakeTimers) last(t *testing.T, d time.Duration) *fakeTimer {
	t.Helper()
	var out *fakeTimer
	require.Eventually(t, func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		for i := len(ft.timers) - 1; i >= 0; i-- {
			if ft.timers[i].d == d {
				out = ft.timers[i]
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return out
}

type fakeSigner struct {
	mu    sync.Mutex
	url   string
	err   error
	calls []string
}

func (s *fakeSigner) FetchSignedURL(ctx context.Context, agentID, apiKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, agentID+"|"+apiKey)
	if s.err != nil {
		return "", s.err
	}
	return s.url, nil
}

type fakeMic struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (m *fakeMic) RequestAccess(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

type harness struct {
	c       *Coordinator
	tr      *fakeTransport
	timers  *fakeTimers
	signer  *fakeSigner
	mic     *fakeMic
	ctx     context.Context
	updates chan Snapshot
}

func newHarness(t *testing.T, mode Mode, creds Credentials) *harness {
	t.Helper()
	h := &harness{
		tr:      newFakeTransport(),
		timers:  &fakeTimers{},
		signer:  &fakeSigner{url: "wss://signed.example/v1/convai/conversation?token=abc"},
		mic:     &fakeMic{},
		updates: make(chan Snapshot, 256),
	}
	h.c = New(Config{InitialMode: mode}, Dependencies{
		Transport:  h.tr,
		Signer:     h.signer,
		Microphone: h.mic,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		AfterFunc:  h.timers.AfterFunc,
		OnUpdate: func(s Snapshot) {
			select {
			case h.updates <- s:
			default:
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	done := make(chan struct{})
	go func() {
		_ = h.c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.NoError(t, h.c.SetCredentials(ctx, creds))
	return h
}

// sync waits until every command queued so far has been applied.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, h.c.exec(h.ctx, func() {}))
}

func (h *harness) eventually(t *testing.T, cond func(Snapshot) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.c.Snapshot()) }, 2*time.Second, 5*time.Millisecond)
}

func contents(entries []TranscriptEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, string(e.Role)+":"+e.Content)
	}
	return out
}

var (
	voiceOnly = Credentials{VoiceAgentID: "voice_1"}
	textOnly  = Credentials{ChatAgentID: "chat_1"}
	bothIDs   = Credentials{VoiceAgentID: "voice_1", ChatAgentID: "chat_1"}
)
