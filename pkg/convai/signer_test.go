package convai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/voice-orchestrator/pkg/core"
)

func TestSigner_FetchSignedURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/convai/conversation/get-signed-url" {
			t.Errorf("path=%q", r.URL.Path)
		}
		if got := r.URL.Query().Get("agent_id"); got != "agent 1" {
			t.Errorf("agent_id=%q", got)
		}
		if got := r.Header.Get("xi-api-key"); got != "sk_live" {
			t.Errorf("xi-api-key=%q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"signed_url":"wss://api.elevenlabs.io/v1/convai/conversation?agent_id=agent%201&conversation_signature=sig"}`))
	}))
	defer srv.Close()

	s := NewSigner(SignerConfig{APIBase: srv.URL + "/"})
	got, err := s.FetchSignedURL(context.Background(), "agent 1", " sk_live ")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "wss://api.elevenlabs.io/v1/convai/conversation"))
}

func TestSigner_UpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(strings.Repeat("invalid api key ", 20)))
	}))
	defer srv.Close()

	_, err := NewSigner(SignerConfig{APIBase: srv.URL}).FetchSignedURL(context.Background(), "agent_1", "sk_bad")
	require.Error(t, err)
	var ce *core.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.ErrUpstream, ce.Type)
	assert.Equal(t, http.StatusUnauthorized, ce.Status)
	assert.LessOrEqual(t, len(ce.Message), len("elevenlabs: 401 ")+100)
}

func TestSigner_MissingSignedURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	err := NewSigner(SignerConfig{APIBase: srv.URL}).VerifyAgent(context.Background(), "agent_1", "sk")
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrUpstream))
}

func TestSigner_RequiresKeyAndAgent(t *testing.T) {
	s := NewSigner(SignerConfig{APIBase: "http://127.0.0.1:1"})
	_, err := s.FetchSignedURL(context.Background(), "", "sk")
	assert.True(t, core.IsType(err, core.ErrConfigurationMissing))
	_, err = s.FetchSignedURL(context.Background(), "agent_1", "  ")
	assert.True(t, core.IsType(err, core.ErrConfigurationMissing))
}
