package convai

import (
	"encoding/json"
	"strings"
)

// Inbound message types from the conversation socket.
const (
	msgInitiationMetadata = "conversation_initiation_metadata"
	msgAgentResponse      = "agent_response"
	msgAgentCorrection    = "agent_response_correction"
	msgUserTranscript     = "user_transcript"
	msgAudio              = "audio"
	msgInterruption       = "interruption"
	msgPing               = "ping"
	msgError              = "error"
)

type inboundMessage struct {
	Type string `json:"type"`

	InitiationMetadata *struct {
		ConversationID         string `json:"conversation_id"`
		AgentOutputAudioFormat string `json:"agent_output_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	AgentResponse *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	UserTranscription *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	Audio *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int    `json:"event_id"`
	} `json:"audio_event,omitempty"`

	Ping *struct {
		EventID int  `json:"event_id"`
		PingMS  *int `json:"ping_ms,omitempty"`
	} `json:"ping_event,omitempty"`

	// Error payloads are not consistently shaped; only string forms are read.
	Message json.RawMessage `json:"message,omitempty"`
	Detail  json.RawMessage `json:"detail,omitempty"`
	Err     json.RawMessage `json:"error,omitempty"`
}

func decodeInbound(data []byte) (inboundMessage, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return inboundMessage{}, err
	}
	msg.Type = strings.TrimSpace(msg.Type)
	return msg, nil
}

// serverError returns the first non-empty error description in msg.
func (m inboundMessage) serverError() string {
	for _, raw := range []json.RawMessage{m.Err, m.Message, m.Detail} {
		if s := decodeString(raw); s != "" {
			return s
		}
	}
	return ""
}

func decodeString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

type initiationClientData struct {
	Type     string          `json:"type"`
	Override *configOverride `json:"conversation_config_override,omitempty"`
}

type configOverride struct {
	Conversation conversationOverride `json:"conversation"`
}

type conversationOverride struct {
	TextOnly bool `json:"text_only"`
}

func newInitiation(textOnly bool) initiationClientData {
	out := initiationClientData{Type: "conversation_initiation_client_data"}
	if textOnly {
		out.Override = &configOverride{Conversation: conversationOverride{TextOnly: true}}
	}
	return out
}

type userMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type typedMessage struct {
	Type string `json:"type"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

type userAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}
