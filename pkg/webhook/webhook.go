// Package webhook forwards user messages to an n8n workflow.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/voice-orchestrator/pkg/core"
)

const (
	Source          = "voice-orchestrator"
	DefaultReply    = "workflow triggered"
	apiKeyHeader    = "X-N8N-API-KEY"
	serviceName     = "webhook"
	maxResponseBody = 256 << 10
)

// Target is where and how to deliver a message.
type Target struct {
	URL    string
	APIKey string
}

type payload struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
}

type Forwarder struct {
	client *http.Client
	now    func() time.Time
}

func New(client *http.Client) *Forwarder {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Forwarder{client: client, now: time.Now}
}

// Forward posts message to the workflow and returns its textual reply.
func (f *Forwarder) Forward(ctx context.Context, message string, target Target) (string, error) {
	endpoint := strings.TrimSpace(target.URL)
	if endpoint == "" {
		return "", core.NewConfigurationMissingError("webhook url is not configured", "webhookUrl")
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return "", core.NewInvalidRequestErrorWithParam("message must not be empty", "message")
	}

	body, err := json.Marshal(payload{
		Message:   message,
		Timestamp: f.now().UTC().Format(time.RFC3339),
		Source:    Source,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", core.NewConfigurationMissingError(fmt.Sprintf("invalid webhook url: %v", err), "webhookUrl")
	}
	req.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(target.APIKey); key != "" {
		req.Header.Set(apiKeyHeader, key)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", core.NewTransportError("webhook request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", core.NewTransportError("read webhook response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", core.NewUpstreamError(serviceName, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return replyText(raw), nil
}

type reply struct {
	Output   string `json:"output"`
	Response string `json:"response"`
}

// replyText accepts an object or an n8n item list and prefers output over
// response.
func replyText(raw []byte) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return DefaultReply
	}
	var r reply
	if raw[0] == '[' {
		var items []reply
		if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
			return DefaultReply
		}
		r = items[0]
	} else if err := json.Unmarshal(raw, &r); err != nil {
		return DefaultReply
	}
	if s := strings.TrimSpace(r.Output); s != "" {
		return s
	}
	if s := strings.TrimSpace(r.Response); s != "" {
		return s
	}
	return DefaultReply
}
