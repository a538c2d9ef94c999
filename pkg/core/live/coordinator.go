package live

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vango-go/voice-orchestrator/pkg/core"
)

// ErrClosed is returned by coordinator methods once Run has exited.
var ErrClosed = errors.New("live: coordinator closed")

// Dependencies are the collaborators a Coordinator drives.
type Dependencies struct {
	Transport Transport
	// Signer is optional. Without it only credentials with no API key can
	// connect; an API key never falls back to the public endpoint.
	Signer DescriptorFetcher
	// Microphone is optional. Without it voice connections are refused.
	Microphone Microphone
	Logger     *slog.Logger

	// OnUpdate receives a snapshot after every state change. It runs on the
	// coordinator loop and must not call back into the Coordinator.
	OnUpdate func(Snapshot)
	// OnAudio receives agent audio chunks in arrival order, on the loop.
	OnAudio func(chunkB64 string)

	Now       func() time.Time
	AfterFunc func(time.Duration, func()) Timer
}

// Snapshot is the state exposed to the user interface.
type Snapshot struct {
	Mode                Mode              `json:"mode"`
	ConnectionState     ConnectionState   `json:"connectionState"`
	IsConnecting        bool              `json:"isConnecting"`
	IsSpeaking          bool              `json:"isSpeaking"`
	IsVoiceActive       bool              `json:"isVoiceActive"`
	IsProcessing        bool              `json:"isProcessing"`
	Transcript          []TranscriptEntry `json:"transcript"`
	LastError           *core.Error       `json:"lastError,omitempty"`
	ActiveAgentID       string            `json:"activeAgentId,omitempty"`
	UsesSignedTransport bool              `json:"usesSignedTransport"`
}

// Coordinator owns one conversational session. Run must be running for any
// other method to make progress.
type Coordinator struct {
	cfg       Config
	transport Transport
	signer    DescriptorFetcher
	mic       Microphone
	logger    *slog.Logger
	onUpdate  func(Snapshot)
	onAudio   func(string)
	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer

	cmds    chan func()
	stopped chan struct{}
	running atomic.Bool
	latest  atomic.Pointer[Snapshot]

	// Loop-owned state below.
	creds       Credentials
	mode        Mode
	conn        ConnectionState
	connecting  bool
	speaking    bool
	voiceActive bool
	sending     bool
	agentID     string
	signed      bool
	textOnly    bool
	lastError   *core.Error
	transcript  *transcript
	pending     *pendingExchange
	exchangeSeq uint64
	waiters     []chan error
	dirty       bool
}

// New creates a Coordinator. It panics if deps.Transport is nil.
func New(cfg Config, deps Dependencies) *Coordinator {
	if deps.Transport == nil {
		panic("live: nil transport")
	}
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.AfterFunc == nil {
		deps.AfterFunc = stdAfterFunc
	}
	c := &Coordinator{
		cfg:        cfg,
		transport:  deps.Transport,
		signer:     deps.Signer,
		mic:        deps.Microphone,
		logger:     deps.Logger,
		onUpdate:   deps.OnUpdate,
		onAudio:    deps.OnAudio,
		now:        deps.Now,
		afterFunc:  deps.AfterFunc,
		cmds:       make(chan func()),
		stopped:    make(chan struct{}),
		mode:       cfg.InitialMode,
		conn:       StateDisconnected,
		transcript: newTranscript(deps.Now),
	}
	snap := c.buildSnapshot()
	c.latest.Store(&snap)
	return c
}

// Run processes commands and transport events until ctx is done. It does not
// close the transport.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("live: coordinator already running")
	}
	defer close(c.stopped)

	events := c.transport.Events()
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case fn := <-c.cmds:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.handleEvent(ev)
			c.flush()
		}
	}
}

func (c *Coordinator) shutdown() {
	if c.pending != nil {
		c.pending.timer.Stop()
		c.pending = nil
	}
	c.wakeWaiters(ErrClosed)
}

// exec runs fn on the loop and waits for it to finish.
func (c *Coordinator) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		c.flush()
		close(done)
	}
	select {
	case c.cmds <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrClosed
	}
	<-done
	return nil
}

// post queues fn without waiting. Used from timer callbacks.
func (c *Coordinator) post(fn func()) {
	select {
	case c.cmds <- func() { fn(); c.flush() }:
	case <-c.stopped:
	}
}

func (c *Coordinator) flush() {
	if !c.dirty {
		return
	}
	c.dirty = false
	snap := c.buildSnapshot()
	c.latest.Store(&snap)
	if c.onUpdate != nil {
		c.onUpdate(snap)
	}
}

func (c *Coordinator) buildSnapshot() Snapshot {
	return Snapshot{
		Mode:                c.mode,
		ConnectionState:     c.conn,
		IsConnecting:        c.connecting,
		IsSpeaking:          c.speaking,
		IsVoiceActive:       c.voiceActive,
		IsProcessing:        c.sending || c.pending != nil,
		Transcript:          c.transcript.snapshot(),
		LastError:           c.lastError,
		ActiveAgentID:       c.agentID,
		UsesSignedTransport: c.signed,
	}
}

// Snapshot returns the most recently published state.
func (c *Coordinator) Snapshot() Snapshot {
	return *c.latest.Load()
}

// SetCredentials replaces the credentials used by subsequent connects.
// An existing channel is left untouched.
func (c *Coordinator) SetCredentials(ctx context.Context, creds Credentials) error {
	return c.exec(ctx, func() { c.creds = creds })
}

// SetMode switches the interaction mode. It does not connect or disconnect.
func (c *Coordinator) SetMode(ctx context.Context, mode Mode) error {
	if mode != ModeVoice && mode != ModeText {
		return core.NewInvalidRequestErrorWithParam("mode must be VOICE or TEXT", "mode")
	}
	return c.exec(ctx, func() {
		if c.mode != mode {
			c.mode = mode
			c.dirty = true
		}
	})
}

// SendUserActivity tells the agent the user is typing. It is a no-op without a channel.
func (c *Coordinator) SendUserActivity(ctx context.Context) error {
	var usable bool
	if err := c.exec(ctx, func() { usable = c.conn == StateConnected }); err != nil {
		return err
	}
	if !usable {
		return nil
	}
	return c.transport.SendUserActivity(ctx)
}

// SendAudio forwards one base64 microphone chunk while voice is active.
func (c *Coordinator) SendAudio(ctx context.Context, chunkB64 string) error {
	var usable bool
	if err := c.exec(ctx, func() { usable = c.voiceActive && c.conn == StateConnected }); err != nil {
		return err
	}
	if !usable {
		return core.NewInvalidRequestError("voice is not active")
	}
	return c.transport.SendAudio(ctx, chunkB64)
}

func (c *Coordinator) appendEntry(role Role, content string) {
	if _, ok := c.transcript.append(role, content); ok {
		c.dirty = true
	}
}

func (c *Coordinator) setError(err *core.Error) {
	c.lastError = err
	c.dirty = true
}

func (c *Coordinator) setConn(state ConnectionState) {
	if c.conn == state {
		return
	}
	c.logger.Debug("connection state changed", "from", c.conn, "to", state, "agent_id", c.agentID)
	c.conn = state
	c.dirty = true
}

func (c *Coordinator) addWaiter() chan error {
	ch := make(chan error, 1)
	c.waiters = append(c.waiters, ch)
	return ch
}

func (c *Coordinator) removeWaiter(ch chan error) {
	for i, w := range c.waiters {
		if w == ch {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) wakeWaiters(err error) {
	for _, w := range c.waiters {
		w <- err
	}
	c.waiters = nil
}
