// Package session runs one /v1/session bridge: a browser websocket on one side
// and a server-side conversation coordinator on the other.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/voice-orchestrator/pkg/core"
	"github.com/vango-go/voice-orchestrator/pkg/core/live"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/live/protocol"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/metrics"
	"github.com/vango-go/voice-orchestrator/pkg/webhook"
)

var errBackpressure = errors.New("outbound queue full")

type Config struct {
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	MaxMessageBytes int64

	ReplyTimeout   time.Duration
	ConnectTimeout time.Duration

	AudioMaxFPS            int
	AudioMaxBytesPerSecond int64
	AudioBurstSeconds      int

	OutboundQueueSize int
}

// WebhookForwarder posts a message to the user's automation webhook.
type WebhookForwarder interface {
	Forward(ctx context.Context, message string, target webhook.Target) (string, error)
}

type Dependencies struct {
	Conn      *websocket.Conn
	Logger    *slog.Logger
	SessionID string
	UserID    int64
	Username  string

	Credentials live.Credentials
	Transport   live.Transport
	Signer      live.DescriptorFetcher

	Webhook       WebhookForwarder
	WebhookTarget webhook.Target

	Metrics *metrics.Metrics
	Config  Config
	Now     func() time.Time
}

type Session struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	sessionID string
	userID    int64
	username  string
	creds     live.Credentials
	transport live.Transport
	signer    live.DescriptorFetcher
	hook      WebhookForwarder
	hookTo    webhook.Target
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	coord *live.Coordinator

	outboundPriority chan []byte
	outboundAudio    chan []byte
	stateReady       chan struct{}
	latestState      atomic.Pointer[[]byte]

	micGranted atomic.Bool
	commands   sync.WaitGroup
	audio      *audioLimiter
	outcome    atomic.Pointer[string]
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:             deps.Conn,
		logger:           deps.Logger.With("session_id", deps.SessionID, "user_id", deps.UserID),
		sessionID:        deps.SessionID,
		userID:           deps.UserID,
		username:         deps.Username,
		creds:            deps.Credentials,
		transport:        deps.Transport,
		signer:           deps.Signer,
		hook:             deps.Webhook,
		hookTo:           deps.WebhookTarget,
		metrics:          deps.Metrics,
		cfg:              deps.Config,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan []byte, 16),
		outboundAudio:    make(chan []byte, deps.Config.OutboundQueueSize),
		stateReady:       make(chan struct{}, 1),
		audio:            newAudioLimiter(deps.Now, deps.Config.AudioMaxFPS, deps.Config.AudioMaxBytesPerSecond, deps.Config.AudioBurstSeconds),
	}
	s.coord = live.New(live.Config{
		ReplyTimeout:   deps.Config.ReplyTimeout,
		ConnectTimeout: deps.Config.ConnectTimeout,
	}, live.Dependencies{
		Transport:  deps.Transport,
		Signer:     deps.Signer,
		Microphone: live.MicrophoneFunc(s.requestMicrophone),
		Logger:     s.logger,
		OnUpdate:   s.publishState,
		OnAudio:    s.publishAudio,
		Now:        deps.Now,
	})
	return s, nil
}

func (s *Session) ID() string { return s.sessionID }

// Run serves the session until the client goes away or Cancel is called.
func (s *Session) Run() error {
	defer s.cancel()

	if s.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	s.metrics.SessionStarted()
	start := s.now()
	defer func() {
		outcome := "canceled"
		if p := s.outcome.Load(); p != nil {
			outcome = *p
		}
		s.metrics.SessionEnded(outcome, s.now().Sub(start))
	}()

	g, ctx := errgroup.WithContext(s.ctx)
	g.Go(func() error {
		err := s.coord.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := s.coord.SetCredentials(ctx, s.creds); err != nil {
		s.cancel()
		_ = g.Wait()
		return err
	}
	_ = s.sendPriority(protocol.ServerHello{Type: "hello", SessionID: s.sessionID, Username: s.username})
	s.publishState(s.coord.Snapshot())

	g.Go(func() error {
		w := outboundWriter{
			ws:          s.conn,
			ctx:         ctx,
			cfg:         s.cfg,
			priority:    s.outboundPriority,
			audio:       s.outboundAudio,
			stateReady:  s.stateReady,
			latestState: s.loadState,
		}
		err := w.Run()
		s.cancel()
		return err
	})
	g.Go(func() error {
		err := s.readLoop(ctx)
		s.cancel()
		return err
	})

	err := g.Wait()
	s.commands.Wait()
	s.teardown()
	if isClientGone(err) {
		return nil
	}
	return err
}

// teardown releases the agent channel once the coordinator loop has exited.
func (s *Session) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout())
	defer cancel()
	if err := s.transport.Disconnect(ctx); err != nil {
		s.logger.Debug("transport disconnect on teardown", "error", err)
	}
	if c, ok := s.transport.(io.Closer); ok {
		_ = c.Close()
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.setOutcome("client_closed")
			return err
		}
		if messageType != websocket.TextMessage {
			_ = s.sendError("unsupported", "only text frames are accepted", "", false)
			continue
		}
		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			var decErr *protocol.DecodeError
			if errors.As(err, &decErr) {
				_ = s.sendError(decErr.Code, decErr.Message, decErr.Param, false)
				continue
			}
			return err
		}
		if done := s.dispatch(ctx, msg); done {
			s.setOutcome("client_disconnect")
			return nil
		}
	}
}

// dispatch handles one client command. Commands that may wait on the network
// run on their own goroutine; the coordinator rejects overlapping work with
// a busy error. It reports true when the client asked to end the session.
func (s *Session) dispatch(ctx context.Context, msg any) bool {
	switch m := msg.(type) {
	case protocol.ClientSetMode:
		s.finish("set_mode", s.coord.SetMode(ctx, m.Mode))
	case protocol.ClientUserActivity:
		s.finish("user_activity", s.coord.SendUserActivity(ctx))
	case protocol.ClientAudio:
		if !s.audio.Allow(len(m.DataB64)) {
			s.metrics.Command("audio", "rate_limited")
			_ = s.sendWarning("audio_rate_limited", "microphone audio is arriving faster than allowed; chunk dropped")
			return false
		}
		s.metrics.Audio("inbound", len(m.DataB64))
		err := s.coord.SendAudio(ctx, m.DataB64)
		if err != nil {
			s.finish("audio", err)
		}
	case protocol.ClientToggleVoice:
		switch m.Microphone {
		case protocol.MicrophoneGranted:
			s.micGranted.Store(true)
		case protocol.MicrophoneDenied:
			s.micGranted.Store(false)
		}
		s.async("toggle_voice", func() error { return s.coord.ToggleVoice(ctx) })
	case protocol.ClientSendText:
		s.async("send_text", func() error { return s.coord.SendTextMessage(ctx, m.Text) })
	case protocol.ClientForwardWebhook:
		s.async("forward_webhook", func() error { return s.forwardWebhook(ctx, m.Text) })
	case protocol.ClientDisconnect:
		s.finish("disconnect", s.coord.Disconnect(ctx))
		return true
	}
	return false
}

func (s *Session) async(command string, fn func() error) {
	s.commands.Add(1)
	go func() {
		defer s.commands.Done()
		s.finish(command, fn())
	}()
}

// finish records the command result. Failures the coordinator already shows
// in its snapshot are not repeated as error frames.
func (s *Session) finish(command string, err error) {
	if err == nil {
		s.metrics.Command(command, "ok")
		return
	}
	if errors.Is(err, live.ErrClosed) || errors.Is(err, context.Canceled) {
		return
	}
	var ce *core.Error
	if !errors.As(err, &ce) {
		s.metrics.Command(command, string(core.ErrAPI))
		s.logger.Warn("session command failed", "command", command, "error", err)
		_ = s.sendError(string(core.ErrAPI), "internal error", "", false)
		return
	}
	s.metrics.Command(command, string(ce.Type))
	if ce.Type == core.ErrUpstream {
		s.metrics.Upstream("elevenlabs")
	}
	switch ce.Type {
	case core.ErrInvalidRequest, core.ErrBusy:
		_ = s.sendError(string(ce.Type), ce.Message, ce.Param, false)
	}
}

func (s *Session) forwardWebhook(ctx context.Context, text string) error {
	if s.hook == nil {
		return core.NewConfigurationMissingError("webhook forwarding is not available", "webhookUrl")
	}
	reply, err := s.hook.Forward(ctx, strings.TrimSpace(text), s.hookTo)
	if err != nil {
		s.metrics.Webhook("error")
		msg := err.Error()
		var ce *core.Error
		if errors.As(err, &ce) {
			msg = ce.Message
		}
		_ = s.sendPriority(protocol.ServerWebhookResult{Type: "webhook_result", OK: false, Error: msg})
		return nil
	}
	s.metrics.Webhook("ok")
	return s.sendPriority(protocol.ServerWebhookResult{Type: "webhook_result", OK: true, Reply: reply})
}

// requestMicrophone answers the coordinator from the permission the browser
// last reported with toggle_voice.
func (s *Session) requestMicrophone(context.Context) error {
	if s.micGranted.Load() {
		return nil
	}
	return core.NewPermissionDeniedError("microphone access was not granted in the browser")
}

// publishState runs on the coordinator loop and must not block.
func (s *Session) publishState(snap live.Snapshot) {
	payload, err := json.Marshal(protocol.NewState(snap))
	if err != nil {
		s.logger.Error("encode state frame", "error", err)
		return
	}
	s.latestState.Store(&payload)
	select {
	case s.stateReady <- struct{}{}:
	default:
	}
}

func (s *Session) loadState() []byte {
	p := s.latestState.Load()
	if p == nil {
		return nil
	}
	return *p
}

// publishAudio runs on the coordinator loop. Audio is dropped rather than
// stalling the loop when the client reads too slowly.
func (s *Session) publishAudio(chunkB64 string) {
	payload, err := json.Marshal(protocol.ServerAgentAudio{Type: "agent_audio", DataB64: chunkB64})
	if err != nil {
		return
	}
	select {
	case s.outboundAudio <- payload:
		s.metrics.Audio("outbound", len(chunkB64))
	default:
		s.metrics.Command("agent_audio", "dropped")
	}
}

func (s *Session) sendWarning(code, message string) error {
	return s.sendPriority(protocol.ServerWarning{Type: "warning", Code: code, Message: message})
}

func (s *Session) sendError(code, message, param string, close bool) error {
	return s.sendPriority(protocol.ServerError{Type: "error", Code: code, Message: message, Param: param, Close: close})
}

func (s *Session) sendPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.outboundPriority <- payload:
		return nil
	default:
		return errBackpressure
	}
}

func (s *Session) writeTimeout() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return 5 * time.Second
}

// Cancel ends the session. It is safe to call more than once.
func (s *Session) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.setOutcome("canceled")
	s.cancel()
}

// SendWarning queues a warning frame; used for drain and replacement notices.
func (s *Session) SendWarning(code, message string) error {
	if s == nil {
		return nil
	}
	if code == "replaced" {
		s.setOutcome("replaced")
	}
	return s.sendWarning(code, message)
}

// setOutcome keeps the first reason the session ended.
func (s *Session) setOutcome(outcome string) {
	s.outcome.CompareAndSwap(nil, &outcome)
}

func isClientGone(err error) bool {
	if err == nil {
		return true
	}
	var ce *websocket.CloseError
	return errors.As(err, &ce) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
