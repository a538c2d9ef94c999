package convai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/vango-go/voice-orchestrator/pkg/core"
)

const (
	DefaultAPIBase = "https://api.elevenlabs.io"
	serviceName    = "elevenlabs"
	maxSignerBody  = 64 << 10
)

type SignerConfig struct {
	APIBase    string
	HTTPClient *http.Client
}

// Signer exchanges an ElevenLabs API key for a short-lived signed
// conversation URL so the key itself never travels with the socket.
type Signer struct {
	base   string
	client *http.Client
}

func NewSigner(cfg SignerConfig) *Signer {
	base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if base == "" {
		base = DefaultAPIBase
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Signer{base: base, client: client}
}

// FetchSignedURL implements live.DescriptorFetcher.
func (s *Signer) FetchSignedURL(ctx context.Context, agentID, apiKey string) (string, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return "", core.NewConfigurationMissingError("agent id is required", "agent_id")
	}
	if strings.TrimSpace(apiKey) == "" {
		return "", core.NewConfigurationMissingError("api key is required for a signed url", "api_key")
	}

	endpoint := s.base + "/v1/convai/conversation/get-signed-url?agent_id=" + url.QueryEscape(agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build signed url request: %w", err)
	}
	req.Header.Set("xi-api-key", strings.TrimSpace(apiKey))
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", core.NewTransportError("signed url request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSignerBody))
	if err != nil {
		return "", core.NewTransportError("read signed url response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", core.NewUpstreamError(serviceName, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", core.NewUpstreamError(serviceName, resp.StatusCode, "invalid signed url response")
	}
	if strings.TrimSpace(payload.SignedURL) == "" {
		return "", core.NewUpstreamError(serviceName, resp.StatusCode, "no signed url in response")
	}
	return payload.SignedURL, nil
}

// VerifyAgent checks that apiKey can open conversations with agentID.
func (s *Signer) VerifyAgent(ctx context.Context, agentID, apiKey string) error {
	_, err := s.FetchSignedURL(ctx, agentID, apiKey)
	return err
}
