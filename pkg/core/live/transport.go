package live

import (
	"context"
	"time"
)

// Target identifies the agent endpoint to dial. A non-empty SignedURL selects
// the signed transport; otherwise the public endpoint for AgentID is used.
type Target struct {
	AgentID   string
	SignedURL string
	TextOnly  bool
}

// Transport is the real-time channel to a conversational agent.
//
// Connect replaces any existing connection and must suppress events from the
// replaced one. Disconnect emits exactly one DisconnectedEvent when a
// connection existed. Events returns the same channel for the transport's
// lifetime.
type Transport interface {
	Connect(ctx context.Context, target Target) error
	Disconnect(ctx context.Context) error
	SendText(ctx context.Context, text string) error
	SendUserActivity(ctx context.Context) error
	SendAudio(ctx context.Context, chunkB64 string) error
	Events() <-chan Event
}

// DescriptorFetcher exchanges an API key for a short-lived signed URL.
type DescriptorFetcher interface {
	FetchSignedURL(ctx context.Context, agentID, apiKey string) (string, error)
}

// Microphone asks the user for audio capture permission. A nil error means granted.
type Microphone interface {
	RequestAccess(ctx context.Context) error
}

// MicrophoneFunc adapts a function to Microphone.
type MicrophoneFunc func(ctx context.Context) error

func (f MicrophoneFunc) RequestAccess(ctx context.Context) error { return f(ctx) }

// Timer is the subset of *time.Timer the coordinator uses.
type Timer interface {
	Stop() bool
}

func stdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
