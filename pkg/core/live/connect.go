package live

import (
	"context"
	"errors"
	"strings"

	"github.com/vango-go/voice-orchestrator/pkg/core"
)

// ConnectForVoice opens a voice channel to the voice agent. It switches the
// session to voice mode and asks for microphone access before touching the
// network. A connected voice channel to the same agent is reused; any other
// channel, including a text-only one, is replaced.
func (c *Coordinator) ConnectForVoice(ctx context.Context) error {
	var (
		creds Credentials
		err   error
	)
	if e := c.exec(ctx, func() {
		if c.connecting {
			err = core.NewBusyError("a connection attempt is already in progress")
			return
		}
		if c.pending != nil {
			err = core.NewBusyError("a message is still awaiting its reply")
			c.appendEntry(RoleSystem, "Voice is unavailable while a message is awaiting its reply.")
			return
		}
		if c.mode != ModeVoice {
			c.mode = ModeVoice
			c.dirty = true
		}
		creds = c.creds
		if strings.TrimSpace(creds.VoiceAgentID) == "" {
			cerr := core.NewConfigurationMissingError("voice agent id is not configured", "voice_agent_id")
			c.fail(cerr, "Voice agent is not configured. Ask an administrator to set it up.")
			err = cerr
			return
		}
		c.connecting = true
		c.dirty = true
	}); e != nil {
		return e
	}
	if err != nil {
		return err
	}

	cleanupCtx := context.WithoutCancel(ctx)
	if merr := c.requestMicrophone(ctx); merr != nil {
		perr := core.NewPermissionDeniedError("microphone access denied")
		perr.Cause = merr
		_ = c.exec(cleanupCtx, func() {
			c.connecting = false
			c.fail(perr, "Microphone access is required for voice mode.")
		})
		return perr
	}

	reuse := false
	if e := c.exec(cleanupCtx, func() {
		if c.conn == StateConnected && !c.textOnly && c.agentID == creds.VoiceAgentID {
			reuse = true
			c.connecting = false
			c.voiceActive = true
			c.dirty = true
		}
	}); e != nil {
		return e
	}
	if reuse {
		return nil
	}

	reported, err := c.establish(ctx, creds.VoiceAgentID, creds.APIKey, false)
	_ = c.exec(cleanupCtx, func() {
		c.connecting = false
		c.dirty = true
		if err == nil && c.conn == StateConnected {
			c.voiceActive = true
			return
		}
		if err != nil && !reported {
			c.appendEntry(RoleSystem, "Failed to start voice session: "+errorMessage(err))
		}
	})
	if err != nil {
		c.logger.Warn("voice connect failed", "agent_id", creds.VoiceAgentID, "error", err)
	}
	return err
}

// EnsureTextSession makes sure a channel is connected for text messaging.
// Any connected channel is reused, whichever mode opened it.
func (c *Coordinator) EnsureTextSession(ctx context.Context) error {
	_, err := c.ensureText(ctx)
	return err
}

// ensureText reports whether a returned error was already written to the transcript.
func (c *Coordinator) ensureText(ctx context.Context) (bool, error) {
	var (
		creds Credentials
		err   error
		ready bool
	)
	if e := c.exec(ctx, func() {
		if c.conn == StateConnected {
			ready = true
			return
		}
		if c.connecting {
			err = core.NewBusyError("a connection attempt is already in progress")
			return
		}
		creds = c.creds
		if strings.TrimSpace(creds.ChatAgentID) == "" {
			cerr := core.NewConfigurationMissingError("chat agent id is not configured", "chat_agent_id")
			c.setError(cerr)
			err = cerr
			return
		}
		c.connecting = true
		c.dirty = true
	}); e != nil {
		return false, e
	}
	if ready || err != nil {
		return false, err
	}

	reported, err := c.establish(ctx, creds.ChatAgentID, creds.APIKey, true)
	_ = c.exec(context.WithoutCancel(ctx), func() {
		c.connecting = false
		c.dirty = true
	})
	return reported, err
}

// establish dials agentID and waits for the connected event. The caller must
// have set c.connecting. A true result means the failure was already
// recorded by the event handler.
func (c *Coordinator) establish(ctx context.Context, agentID, apiKey string, textOnly bool) (bool, error) {
	signed := apiKey != ""
	if signed && c.signer == nil {
		cerr := core.NewConfigurationMissingError("an api key is configured but no signed url source is available", "api_key")
		_ = c.exec(context.WithoutCancel(ctx), func() { c.setError(cerr) })
		return false, cerr
	}
	var waiter chan error
	if err := c.exec(ctx, func() {
		c.agentID = agentID
		c.signed = signed
		c.textOnly = textOnly
		c.speaking = false
		c.setConn(StateConnecting)
		c.dirty = true
		waiter = c.addWaiter()
	}); err != nil {
		return false, err
	}

	target := Target{AgentID: agentID, TextOnly: textOnly}
	if signed {
		url, err := c.signer.FetchSignedURL(ctx, agentID, apiKey)
		if err != nil {
			return false, c.abortConnect(ctx, waiter, asCoreError(err, "signed url request failed"))
		}
		target.SignedURL = url
	}
	if err := c.transport.Connect(ctx, target); err != nil {
		return false, c.abortConnect(ctx, waiter, asCoreError(err, "connect failed"))
	}

	timeout := make(chan struct{})
	t := c.afterFunc(c.cfg.ConnectTimeout, func() { close(timeout) })
	defer t.Stop()

	select {
	case err := <-waiter:
		if err != nil {
			return true, err
		}
		c.logger.Info("agent connected", "agent_id", agentID, "signed", signed, "text_only", textOnly)
		return false, nil
	case <-timeout:
		return false, c.abortConnect(ctx, waiter, core.NewConnectTimeoutError("timed out waiting for the agent to connect"))
	case <-ctx.Done():
		_ = c.abortConnect(ctx, waiter, core.NewTransportError("connect cancelled", ctx.Err()))
		return false, ctx.Err()
	case <-c.stopped:
		return false, ErrClosed
	}
}

// abortConnect rolls a failed attempt back to DISCONNECTED and tears down any
// half-open channel.
func (c *Coordinator) abortConnect(ctx context.Context, waiter chan error, cause *core.Error) error {
	cleanupCtx := context.WithoutCancel(ctx)
	_ = c.exec(cleanupCtx, func() {
		c.removeWaiter(waiter)
		c.setConn(StateDisconnected)
		c.setError(cause)
	})
	if err := c.transport.Disconnect(cleanupCtx); err != nil {
		c.logger.Debug("disconnect after failed connect", "error", err)
	}
	return cause
}

// ToggleVoice stops an active voice session, or starts one.
func (c *Coordinator) ToggleVoice(ctx context.Context) error {
	var active bool
	if err := c.exec(ctx, func() { active = c.voiceActive }); err != nil {
		return err
	}
	if active {
		return c.Disconnect(ctx)
	}
	return c.ConnectForVoice(ctx)
}

// Disconnect terminates the channel. State follows from the transport's
// disconnected event.
func (c *Coordinator) Disconnect(ctx context.Context) error {
	if err := c.exec(ctx, func() {
		if c.voiceActive {
			c.voiceActive = false
			c.dirty = true
		}
	}); err != nil {
		return err
	}
	if err := c.transport.Disconnect(ctx); err != nil {
		return core.NewTransportError("disconnect failed", err)
	}
	return nil
}

func (c *Coordinator) requestMicrophone(ctx context.Context) error {
	if c.mic == nil {
		return errors.New("no microphone available")
	}
	return c.mic.RequestAccess(ctx)
}

func (c *Coordinator) fail(err *core.Error, entry string) {
	c.setError(err)
	c.appendEntry(RoleSystem, entry)
}

func asCoreError(err error, msg string) *core.Error {
	var ce *core.Error
	if errors.As(err, &ce) {
		return ce
	}
	return core.NewTransportError(msg+": "+err.Error(), err)
}

func errorMessage(err error) string {
	var ce *core.Error
	if errors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}
