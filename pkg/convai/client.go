package convai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/voice-orchestrator/pkg/core/live"
)

const DefaultWSBase = "wss://api.elevenlabs.io/v1/convai/conversation"

type ClientConfig struct {
	// WSBase is the public conversation endpoint; agent_id is appended.
	WSBase string
	// WriteTimeout bounds each socket write without a context deadline.
	WriteTimeout time.Duration
	// KeepAliveInterval is the websocket ping period. Zero disables pings.
	KeepAliveInterval time.Duration
	// QuietPeriod after the last audio chunk before the agent counts as silent.
	QuietPeriod time.Duration
	// EventBuffer is the capacity of the events channel.
	EventBuffer int
	Dialer      *websocket.Dialer
}

func (c ClientConfig) withDefaults() ClientConfig {
	if strings.TrimSpace(c.WSBase) == "" {
		c.WSBase = DefaultWSBase
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.KeepAliveInterval < 0 {
		c.KeepAliveInterval = 0
	}
	if c.QuietPeriod <= 0 {
		c.QuietPeriod = 600 * time.Millisecond
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}

// Client is a live.Transport over the ElevenLabs conversation websocket.
// It holds at most one connection; Connect replaces the current one and
// events from replaced connections are dropped.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger
	events chan live.Event
	done   chan struct{}

	mu        sync.Mutex
	conn      *agentConn
	closeOnce sync.Once

	afterFunc func(time.Duration, func()) stopper
}

var _ live.Transport = (*Client)(nil)

func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		logger: logger,
		events: make(chan live.Event, cfg.EventBuffer),
		done:   make(chan struct{}),

		afterFunc: stdAfterFunc,
	}
}

func (c *Client) Events() <-chan live.Event { return c.events }

// Connect dials target and sends the session initiation message. It returns
// once the socket is open; the ConnectedEvent follows when the agent answers.
func (c *Client) Connect(ctx context.Context, target live.Target) error {
	wsURL, err := c.targetURL(target)
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.conn
	c.conn = nil
	c.mu.Unlock()
	if old != nil {
		old.close("replaced")
	}

	ws, resp, err := c.cfg.Dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial agent: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial agent: %w", err)
	}

	ac := newAgentConn(ws, c.cfg)
	c.mu.Lock()
	if c.conn != nil {
		// A concurrent Connect won.
		c.mu.Unlock()
		ac.close("superseded")
		return errors.New("connection superseded")
	}
	c.conn = ac
	c.mu.Unlock()

	if err := ac.writeJSON(ctx, newInitiation(target.TextOnly)); err != nil {
		c.retire(ac)
		ac.close("initiation failed")
		return fmt.Errorf("send initiation: %w", err)
	}

	go c.readLoop(ac)
	if c.cfg.KeepAliveInterval > 0 {
		go ac.keepAliveLoop(c.cfg.KeepAliveInterval)
	}
	c.logger.Debug("agent socket open", "agent_id", target.AgentID, "signed", target.SignedURL != "", "text_only", target.TextOnly)
	return nil
}

// Disconnect closes the current connection and emits one DisconnectedEvent.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	ac := c.conn
	c.conn = nil
	c.mu.Unlock()
	if ac == nil {
		return nil
	}
	ac.close("client disconnect")
	c.deliver(ctx, &live.DisconnectedEvent{Reason: "client disconnect"})
	return nil
}

// Close releases the client. Pending event deliveries are abandoned.
func (c *Client) Close() error {
	_ = c.Disconnect(context.Background())
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *Client) SendText(ctx context.Context, text string) error {
	ac, err := c.current()
	if err != nil {
		return err
	}
	return ac.writeJSON(ctx, userMessage{Type: "user_message", Text: text})
}

func (c *Client) SendUserActivity(ctx context.Context) error {
	ac, err := c.current()
	if err != nil {
		return err
	}
	return ac.writeJSON(ctx, typedMessage{Type: "user_activity"})
}

func (c *Client) SendAudio(ctx context.Context, chunkB64 string) error {
	ac, err := c.current()
	if err != nil {
		return err
	}
	return ac.writeJSON(ctx, userAudioChunk{UserAudioChunk: chunkB64})
}

func (c *Client) current() (*agentConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, errors.New("not connected")
	}
	return c.conn, nil
}

func (c *Client) isCurrent(ac *agentConn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == ac
}

// retire detaches ac if it is still current and reports whether it was.
func (c *Client) retire(ac *agentConn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != ac {
		return false
	}
	c.conn = nil
	return true
}

// emit forwards ev only while ac is the current connection.
func (c *Client) emit(ac *agentConn, ev live.Event) {
	if !c.isCurrent(ac) {
		return
	}
	select {
	case c.events <- ev:
	case <-ac.closed:
	case <-c.done:
	}
}

func (c *Client) deliver(ctx context.Context, ev live.Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	case <-c.done:
	}
}

func (c *Client) readLoop(ac *agentConn) {
	defer ac.stopSpeaking()
	for {
		_, data, err := ac.ws.ReadMessage()
		if err != nil {
			c.readFailed(ac, err)
			return
		}

		msg, err := decodeInbound(data)
		if err != nil {
			c.logger.Debug("dropping undecodable agent message", "error", err)
			continue
		}

		switch msg.Type {
		case msgInitiationMetadata:
			ev := &live.ConnectedEvent{}
			if msg.InitiationMetadata != nil {
				ev.ConversationID = msg.InitiationMetadata.ConversationID
			}
			c.emit(ac, ev)
		case msgAgentResponse:
			if msg.AgentResponse != nil {
				c.emit(ac, &live.AgentMessageEvent{Text: msg.AgentResponse.AgentResponse})
			}
		case msgUserTranscript:
			if msg.UserTranscription != nil {
				c.emit(ac, &live.UserTranscriptEvent{Text: msg.UserTranscription.UserTranscript})
			}
		case msgAudio:
			if msg.Audio == nil || msg.Audio.AudioBase64 == "" {
				continue
			}
			c.audioArrived(ac)
			c.emit(ac, &live.AgentAudioEvent{AudioB64: msg.Audio.AudioBase64})
		case msgInterruption:
			c.interrupted(ac)
		case msgPing:
			if msg.Ping != nil {
				_ = ac.writeJSON(context.Background(), pongMessage{Type: "pong", EventID: msg.Ping.EventID})
			}
		case msgError:
			reason := msg.serverError()
			if reason == "" {
				reason = "agent reported an error"
			}
			ac.setLastServerError(reason)
			if c.retire(ac) {
				c.deliver(context.Background(), &live.ErrorEvent{Message: reason})
			}
			ac.close("server error")
			return
		case msgAgentCorrection:
		default:
			if reason := msg.serverError(); reason != "" {
				ac.setLastServerError(reason)
			}
		}
	}
}

func (c *Client) readFailed(ac *agentConn, err error) {
	var closeErr *websocket.CloseError
	normal := false
	if errors.As(err, &closeErr) {
		ac.setLastClose(fmt.Sprintf("code=%d msg=%s", closeErr.Code, strings.TrimSpace(closeErr.Text)))
		normal = closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
	} else {
		ac.setLastClose(strings.TrimSpace(err.Error()))
	}
	if !c.retire(ac) {
		return
	}
	ac.close("read failed")
	if normal {
		c.deliver(context.Background(), &live.DisconnectedEvent{Reason: ac.failureReason()})
		return
	}
	c.deliver(context.Background(), &live.ErrorEvent{Message: "connection lost: " + ac.failureReason()})
}

func (c *Client) targetURL(target live.Target) (string, error) {
	if signed := strings.TrimSpace(target.SignedURL); signed != "" {
		if _, err := url.Parse(signed); err != nil {
			return "", fmt.Errorf("invalid signed url: %w", err)
		}
		return signed, nil
	}
	agentID := strings.TrimSpace(target.AgentID)
	if agentID == "" {
		return "", errors.New("agent id is required")
	}
	u, err := url.Parse(c.cfg.WSBase)
	if err != nil {
		return "", fmt.Errorf("invalid ws base url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type stopper interface{ Stop() bool }

func stdAfterFunc(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) }

// agentConn is one websocket to the agent.
type agentConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	errMu   sync.Mutex
	speakMu sync.Mutex

	speaking  bool
	speakGen  uint64
	quiet     stopper
	closed    chan struct{}
	closeOnce sync.Once

	lastServerError string
	lastClose       string
}

func newAgentConn(ws *websocket.Conn, cfg ClientConfig) *agentConn {
	return &agentConn{
		ws:           ws,
		writeTimeout: cfg.WriteTimeout,
		closed:       make(chan struct{}),
	}
}

func (a *agentConn) close(reason string) {
	a.closeOnce.Do(func() {
		close(a.closed)
		a.setLastClose(reason)
		a.writeMu.Lock()
		_ = a.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = a.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		a.writeMu.Unlock()
		_ = a.ws.Close()
	})
}

func (a *agentConn) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.closed:
			return
		case <-ticker.C:
			a.writeMu.Lock()
			err := a.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(a.writeTimeout))
			a.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (a *agentConn) writeJSON(ctx context.Context, payload any) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	select {
	case <-a.closed:
		return errors.New("connection closed")
	default:
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = a.ws.SetWriteDeadline(deadline)
	} else {
		_ = a.ws.SetWriteDeadline(time.Now().Add(a.writeTimeout))
	}
	if err := a.ws.WriteJSON(payload); err != nil {
		reason := strings.TrimSpace(a.failureReason())
		if reason == "" {
			return err
		}
		return fmt.Errorf("%w (agent %s)", err, reason)
	}
	return nil
}

// audioArrived rearms the quiet timer and emits the start of speech. Speaking
// transitions are emitted under speakMu so they reach the channel in the
// order they happened.
func (c *Client) audioArrived(ac *agentConn) {
	ac.speakMu.Lock()
	defer ac.speakMu.Unlock()
	ac.speakGen++
	gen := ac.speakGen
	if ac.quiet != nil {
		ac.quiet.Stop()
	}
	ac.quiet = c.afterFunc(c.cfg.QuietPeriod, func() { c.quietElapsed(ac, gen) })
	if !ac.speaking {
		ac.speaking = true
		c.emit(ac, &live.SpeakingChangedEvent{Speaking: true})
	}
}

// quietElapsed ends speech unless audio arrived after the timer was armed.
func (c *Client) quietElapsed(ac *agentConn, gen uint64) {
	ac.speakMu.Lock()
	defer ac.speakMu.Unlock()
	if gen != ac.speakGen || !ac.speaking {
		return
	}
	ac.speaking = false
	c.emit(ac, &live.SpeakingChangedEvent{Speaking: false})
}

func (c *Client) interrupted(ac *agentConn) {
	ac.speakMu.Lock()
	defer ac.speakMu.Unlock()
	if ac.resetSpeakingLocked() {
		c.emit(ac, &live.SpeakingChangedEvent{Speaking: false})
	}
}

// stopSpeaking clears the speaking state without emitting.
func (a *agentConn) stopSpeaking() {
	a.speakMu.Lock()
	a.resetSpeakingLocked()
	a.speakMu.Unlock()
}

func (a *agentConn) resetSpeakingLocked() bool {
	a.speakGen++
	if a.quiet != nil {
		a.quiet.Stop()
		a.quiet = nil
	}
	was := a.speaking
	a.speaking = false
	return was
}

func (a *agentConn) setLastServerError(msg string) {
	msg = sanitizeReason(msg)
	if msg == "" {
		return
	}
	a.errMu.Lock()
	a.lastServerError = msg
	a.errMu.Unlock()
}

func (a *agentConn) setLastClose(msg string) {
	msg = sanitizeReason(msg)
	if msg == "" {
		return
	}
	a.errMu.Lock()
	if a.lastClose == "" {
		a.lastClose = msg
	}
	a.errMu.Unlock()
}

func (a *agentConn) failureReason() string {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	parts := make([]string, 0, 2)
	if a.lastServerError != "" {
		parts = append(parts, "server_error="+a.lastServerError)
	}
	if a.lastClose != "" {
		parts = append(parts, "close="+a.lastClose)
	}
	return strings.Join(parts, " ")
}

func sanitizeReason(msg string) string {
	msg = strings.Join(strings.Fields(msg), " ")
	if len(msg) > 300 {
		msg = msg[:300] + "…"
	}
	return msg
}
