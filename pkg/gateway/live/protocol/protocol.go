// Package protocol defines the JSON frames exchanged on the /v1/session
// bridge between a browser and its server-side conversation coordinator.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/voice-orchestrator/pkg/core/live"
)

const (
	MicrophoneGranted = "granted"
	MicrophoneDenied  = "denied"

	// MaxTextBytes bounds send_text and forward_webhook payloads.
	MaxTextBytes = 16 << 10
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// Client -> server frames.

type ClientSetMode struct {
	Type string    `json:"type"`
	Mode live.Mode `json:"mode"`
}

// ClientToggleVoice carries the browser's microphone permission result,
// consulted only when voice is being switched on.
type ClientToggleVoice struct {
	Type       string `json:"type"`
	Microphone string `json:"microphone,omitempty"`
}

type ClientSendText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ClientUserActivity struct {
	Type string `json:"type"`
}

type ClientAudio struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
}

type ClientDisconnect struct {
	Type string `json:"type"`
}

type ClientForwardWebhook struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// DecodeClientMessage decodes one text frame into its Client* value.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "set_mode":
		var raw struct {
			Mode string `json:"mode"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, badRequest("invalid set_mode", "")
		}
		mode, err := live.ParseMode(raw.Mode)
		if err != nil {
			return nil, unsupported("set_mode.mode must be VOICE or TEXT", "mode")
		}
		return ClientSetMode{Type: typ, Mode: mode}, nil
	case "toggle_voice":
		var msg ClientToggleVoice
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid toggle_voice", "")
		}
		msg.Microphone = strings.ToLower(strings.TrimSpace(msg.Microphone))
		switch msg.Microphone {
		case "", MicrophoneGranted, MicrophoneDenied:
		default:
			return nil, unsupported("toggle_voice.microphone must be granted or denied", "microphone")
		}
		return msg, nil
	case "send_text":
		var msg ClientSendText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid send_text", "")
		}
		if len(msg.Text) > MaxTextBytes {
			return nil, badRequest("send_text.text is too long", "text")
		}
		return msg, nil
	case "user_activity":
		return ClientUserActivity{Type: typ}, nil
	case "audio":
		var msg ClientAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio.data_b64 is required", "data_b64")
		}
		if _, err := base64.StdEncoding.DecodeString(msg.DataB64); err != nil {
			return nil, badRequest("audio.data_b64 must be base64", "data_b64")
		}
		return msg, nil
	case "disconnect":
		return ClientDisconnect{Type: typ}, nil
	case "forward_webhook":
		var msg ClientForwardWebhook
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid forward_webhook", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("forward_webhook.text is required", "text")
		}
		if len(msg.Text) > MaxTextBytes {
			return nil, badRequest("forward_webhook.text is too long", "text")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// Server -> client frames.

// ServerHello is the first frame of every session.
type ServerHello struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Username  string `json:"username"`
}

// ServerState wraps a coordinator snapshot.
type ServerState struct {
	Type string `json:"type"`
	live.Snapshot
}

func NewState(s live.Snapshot) ServerState {
	return ServerState{Type: "state", Snapshot: s}
}

type ServerAgentAudio struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	Close   bool   `json:"close,omitempty"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerWebhookResult struct {
	Type  string `json:"type"`
	OK    bool   `json:"ok"`
	Reply string `json:"reply,omitempty"`
	Error string `json:"error,omitempty"`
}
