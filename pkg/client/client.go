// Package client talks to a voicedash backend on behalf of one signed-in user.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/voice-orchestrator/pkg/core"
	"github.com/vango-go/voice-orchestrator/pkg/core/live"
)

const maxResponseBody = 1 << 20

// SessionContext is the signed-in state: populated by Login, cleared by Logout
// or by the first request the backend rejects as expired.
type SessionContext struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	UserID    int64     `json:"userId"`
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"isAdmin"`
}

// UserConfig mirrors GET /api/config.
type UserConfig struct {
	APIKey        string `json:"apiKey"`
	VoiceAgentID  string `json:"voiceAgentId"`
	ChatAgentID   string `json:"chatAgentId"`
	WebhookURL    string `json:"webhookUrl"`
	WebhookAPIKey string `json:"webhookApiKey"`
}

func (c UserConfig) Credentials() live.Credentials {
	return live.Credentials{APIKey: c.APIKey, VoiceAgentID: c.VoiceAgentID, ChatAgentID: c.ChatAgentID}
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSession restores a previously saved session.
func WithSession(s SessionContext) Option {
	return func(c *Client) { c.session = &s }
}

type Client struct {
	base string
	http *http.Client

	mu      sync.Mutex
	session *SessionContext
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http: newDefaultHTTPClient(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newDefaultHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// Session returns a copy of the current session, or nil when signed out.
func (c *Client) Session() *SessionContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

func (c *Client) Logout() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.Token
}

func (c *Client) Login(ctx context.Context, username, password string) (*SessionContext, error) {
	var sess SessionContext
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &sess, false); err != nil {
		return nil, err
	}
	if sess.Token == "" {
		return nil, core.NewAPIError("login response did not include a token")
	}
	c.mu.Lock()
	c.session = &sess
	c.mu.Unlock()
	out := sess
	return &out, nil
}

func (c *Client) Me(ctx context.Context) (*SessionContext, error) {
	var me SessionContext
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, &me, true); err != nil {
		return nil, err
	}
	return &me, nil
}

func (c *Client) Config(ctx context.Context) (UserConfig, error) {
	var cfg UserConfig
	err := c.do(ctx, http.MethodGet, "/api/config", nil, &cfg, true)
	return cfg, err
}

// SignedURL asks the backend for a signed conversation URL for the agent
// bound to mode, keeping the API key server-side.
func (c *Client) SignedURL(ctx context.Context, mode live.Mode) (string, error) {
	var out struct {
		SignedURL string `json:"signedUrl"`
	}
	path := "/api/convai/signed-url?mode=" + url.QueryEscape(strings.ToLower(string(mode)))
	if err := c.do(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return "", err
	}
	return out.SignedURL, nil
}

// Signer returns a live.DescriptorFetcher that signs through the backend.
// The apiKey argument is ignored; the backend uses the stored key.
func (c *Client) Signer(cfg UserConfig) live.DescriptorFetcher {
	return backendSigner{client: c, cfg: cfg}
}

type backendSigner struct {
	client *Client
	cfg    UserConfig
}

func (s backendSigner) FetchSignedURL(ctx context.Context, agentID, _ string) (string, error) {
	mode := live.ModeVoice
	if agentID == s.cfg.ChatAgentID && agentID != s.cfg.VoiceAgentID {
		mode = live.ModeText
	}
	return s.client.SignedURL(ctx, mode)
}

func (c *Client) ForwardWebhook(ctx context.Context, message string) (string, error) {
	var out struct {
		Reply string `json:"reply"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/webhook", map[string]string{"message": message}, &out, true); err != nil {
		return "", err
	}
	return out.Reply, nil
}

type errorEnvelope struct {
	Error *core.Error `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, authed bool) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		tok := c.token()
		if tok == "" {
			return core.NewSessionExpiredError()
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return core.NewTransportError(fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return core.NewTransportError("read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.decodeError(resp.StatusCode, raw, authed)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return core.NewAPIError(fmt.Sprintf("decode %s response: %v", path, err))
	}
	return nil
}

func (c *Client) decodeError(status int, raw []byte, authed bool) error {
	var env errorEnvelope
	_ = json.Unmarshal(raw, &env)

	if status == http.StatusUnauthorized && authed {
		c.Logout()
		if env.Error != nil && env.Error.Code == core.CodeAccountLocked {
			return env.Error
		}
		return core.NewSessionExpiredError()
	}
	if env.Error != nil && env.Error.Message != "" {
		return env.Error
	}
	return core.NewUpstreamError("backend", status, strings.TrimSpace(string(raw)))
}
