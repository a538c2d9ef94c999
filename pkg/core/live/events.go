package live

// Event is the interface for all inbound transport events.
type Event interface {
	// EventType returns the event type string for logging and serialization.
	EventType() string
}

// ConnectedEvent is emitted once the remote agent has accepted the session.
type ConnectedEvent struct {
	ConversationID string `json:"conversation_id,omitempty"`
}

func (e *ConnectedEvent) EventType() string { return "connected" }

// DisconnectedEvent is emitted when the channel closes for any reason.
type DisconnectedEvent struct {
	Reason string `json:"reason,omitempty"`
}

func (e *DisconnectedEvent) EventType() string { return "disconnected" }

// ErrorEvent reports a transport-level failure. The channel is unusable after it.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (e *ErrorEvent) EventType() string { return "error" }

// AgentMessageEvent carries a complete agent reply.
type AgentMessageEvent struct {
	Text string `json:"text"`
}

func (e *AgentMessageEvent) EventType() string { return "agent-message" }

// UserTranscriptEvent carries recognized user speech.
type UserTranscriptEvent struct {
	Text string `json:"text"`
}

func (e *UserTranscriptEvent) EventType() string { return "user-transcript" }

// SpeakingChangedEvent toggles whether the agent is currently producing audio.
type SpeakingChangedEvent struct {
	Speaking bool `json:"speaking"`
}

func (e *SpeakingChangedEvent) EventType() string { return "speaking-state-changed" }

// AgentAudioEvent carries one base64 audio chunk from the agent.
// It does not change session state.
type AgentAudioEvent struct {
	AudioB64 string `json:"audio_b64"`
}

func (e *AgentAudioEvent) EventType() string { return "agent-audio" }
