package live

import (
	"strings"

	"github.com/vango-go/voice-orchestrator/pkg/core"
)

func (c *Coordinator) handleEvent(ev Event) {
	switch e := ev.(type) {
	case *ConnectedEvent:
		c.setConn(StateConnected)
		c.speaking = false
		c.lastError = nil
		c.dirty = true
		if !c.textOnly {
			c.appendEntry(RoleSystem, "Voice connection established.")
		}
		c.wakeWaiters(nil)

	case *DisconnectedEvent:
		wasLive := c.conn != StateDisconnected
		c.setConn(StateDisconnected)
		c.speaking = false
		c.voiceActive = false
		c.dirty = true
		c.clearPending()
		if wasLive {
			c.appendEntry(RoleSystem, "Disconnected from the agent.")
		}
		c.wakeWaiters(core.NewTransportError("connection closed before it was ready", nil))

	case *ErrorEvent:
		msg := strings.TrimSpace(e.Message)
		if msg == "" {
			msg = "unknown transport error"
		}
		err := core.NewTransportError(msg, nil)
		c.fail(err, "Error: "+msg)
		c.setConn(StateDisconnected)
		c.speaking = false
		c.voiceActive = false
		c.clearPending()
		c.wakeWaiters(err)
		c.logger.Warn("transport error", "agent_id", c.agentID, "error", msg)

	case *AgentMessageEvent:
		if strings.TrimSpace(e.Text) == "" {
			return
		}
		c.clearPending()
		c.appendEntry(RoleAssistant, e.Text)

	case *UserTranscriptEvent:
		c.appendEntry(RoleUser, e.Text)

	case *SpeakingChangedEvent:
		if c.speaking != e.Speaking {
			c.speaking = e.Speaking
			c.dirty = true
		}

	case *AgentAudioEvent:
		if c.onAudio != nil && e.AudioB64 != "" {
			c.onAudio(e.AudioB64)
		}

	default:
		if ev != nil {
			c.logger.Debug("ignoring transport event", "type", ev.EventType())
		}
	}
}
