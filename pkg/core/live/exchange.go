package live

import (
	"context"
	"strings"
	"time"

	"github.com/vango-go/voice-orchestrator/pkg/core"
)

// pendingExchange is a sent text message whose reply has not arrived yet.
type pendingExchange struct {
	id     uint64
	sentAt time.Time
	timer  Timer
}

// SendTextMessage appends text to the transcript, makes sure a channel is
// connected, and sends it. The reply arrives later as an agent message; if
// none arrives within the reply timeout a system entry says so.
//
// Empty input is rejected without touching the transcript. A send while a
// previous one is still unanswered fails with a busy error.
func (c *Coordinator) SendTextMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return core.NewInvalidRequestErrorWithParam("message must not be empty", "text")
	}

	var err error
	if e := c.exec(ctx, func() {
		if c.sending || c.pending != nil {
			err = core.NewBusyError("a message is still awaiting its reply")
			return
		}
		c.sending = true
		c.dirty = true
		c.appendEntry(RoleUser, text)
	}); e != nil {
		return e
	}
	if err != nil {
		return err
	}

	cleanupCtx := context.WithoutCancel(ctx)
	reported, err := c.ensureText(ctx)
	if err != nil {
		_ = c.exec(cleanupCtx, func() {
			c.sending = false
			c.dirty = true
			if !reported {
				c.setError(asCoreError(err, "connect failed"))
				c.appendEntry(RoleSystem, "Could not connect to the agent: "+errorMessage(err))
			}
		})
		return err
	}

	var id uint64
	if e := c.exec(cleanupCtx, func() {
		c.sending = false
		c.dirty = true
		if c.conn != StateConnected {
			lost := core.NewTransportError("connection lost before the message was sent", nil)
			c.fail(lost, "Connection lost before the message was sent.")
			err = lost
			return
		}
		id = c.openExchange()
	}); e != nil {
		return e
	}
	if err != nil {
		return err
	}

	if serr := c.transport.SendText(ctx, text); serr != nil {
		terr := core.NewTransportError("send failed: "+serr.Error(), serr)
		_ = c.exec(cleanupCtx, func() {
			if c.resolveExchange(id) {
				c.fail(terr, "Message could not be sent: "+serr.Error())
			}
		})
		return terr
	}
	return nil
}

// openExchange registers a pending exchange and arms its reply timer.
func (c *Coordinator) openExchange() uint64 {
	c.exchangeSeq++
	id := c.exchangeSeq
	c.pending = &pendingExchange{
		id:     id,
		sentAt: c.now(),
		timer: c.afterFunc(c.cfg.ReplyTimeout, func() {
			c.post(func() { c.replyTimedOut(id) })
		}),
	}
	c.dirty = true
	return id
}

// resolveExchange ends the pending exchange if it is still id.
func (c *Coordinator) resolveExchange(id uint64) bool {
	if c.pending == nil || c.pending.id != id {
		return false
	}
	c.pending.timer.Stop()
	c.pending = nil
	c.dirty = true
	return true
}

func (c *Coordinator) clearPending() {
	if c.pending != nil {
		c.resolveExchange(c.pending.id)
	}
}

func (c *Coordinator) replyTimedOut(id uint64) {
	if c.pending == nil || c.pending.id != id {
		return
	}
	waited := c.now().Sub(c.pending.sentAt)
	c.resolveExchange(id)
	c.fail(core.NewReplyTimeoutError("no reply received from the agent"), "No reply received from the agent. Please try again.")
	c.logger.Warn("reply timed out", "agent_id", c.agentID, "waited", waited)
}
