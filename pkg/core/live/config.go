package live

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultReplyTimeout   = 60 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// Mode is the interaction mode selected by the user.
type Mode string

const (
	ModeVoice Mode = "VOICE"
	ModeText  Mode = "TEXT"
)

// ParseMode accepts VOICE or TEXT in any case.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(raw))) {
	case ModeVoice:
		return ModeVoice, nil
	case ModeText:
		return ModeText, nil
	default:
		return "", fmt.Errorf("unknown mode %q", raw)
	}
}

// ConnectionState is the lifecycle state of the transport channel.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
)

// Config tunes coordinator timing.
type Config struct {
	// ReplyTimeout bounds how long a text send waits for the agent's reply.
	ReplyTimeout time.Duration
	// ConnectTimeout bounds the wait for the connected event after a dial.
	ConnectTimeout time.Duration
	// InitialMode defaults to ModeVoice.
	InitialMode Mode
}

func (c Config) withDefaults() Config {
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = DefaultReplyTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.InitialMode == "" {
		c.InitialMode = ModeVoice
	}
	return c
}

// Credentials are the per-user settings needed to reach the agents.
// An empty APIKey selects the public (unsigned) transport.
type Credentials struct {
	APIKey       string `json:"apiKey,omitempty"`
	VoiceAgentID string `json:"voiceAgentId,omitempty"`
	ChatAgentID  string `json:"chatAgentId,omitempty"`
}
