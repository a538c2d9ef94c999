package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vango-go/voice-orchestrator/pkg/core"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/auth"
	"github.com/vango-go/voice-orchestrator/pkg/store"
	"github.com/vango-go/voice-orchestrator/pkg/store/sqlstore"
	"github.com/vango-go/voice-orchestrator/pkg/webhook"
)

const testPassword = "password1"

var errAgentRejected = core.NewUpstreamError("elevenlabs", http.StatusNotFound, "agent not found")

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := sqlstore.Open(context.Background(), filepath.Join(t.TempDir(), "handlers.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustCreateUser(t *testing.T, st store.Store, username string, admin bool) store.User {
	t.Helper()
	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)
	u, err := st.CreateUser(context.Background(), username, hash, admin)
	require.NoError(t, err)
	return u
}

func asUser(r *http.Request, u store.User) *http.Request {
	p := &auth.Principal{UserID: u.ID, Username: u.Username, IsAdmin: u.IsAdmin}
	return r.WithContext(auth.WithPrincipal(r.Context(), p))
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), dst), "body=%s", rr.Body.String())
}

func errorBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Error map[string]any `json:"error"`
	}
	decodeResponse(t, rr, &env)
	require.NotNil(t, env.Error, "body=%s", rr.Body.String())
	return env.Error
}

type fakeSigner struct {
	mu       sync.Mutex
	url      string
	err      error
	badAgent string
	signed   []string
}

func (f *fakeSigner) FetchSignedURL(_ context.Context, agentID, apiKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signed = append(f.signed, agentID+"/"+apiKey)
	if f.err != nil {
		return "", f.err
	}
	return f.url + "?agent_id=" + agentID, nil
}

func (f *fakeSigner) VerifyAgent(ctx context.Context, agentID, apiKey string) error {
	if agentID == f.badAgent {
		return errAgentRejected
	}
	_, err := f.FetchSignedURL(ctx, agentID, apiKey)
	return err
}

type fakeForwarder struct {
	mu     sync.Mutex
	reply  string
	err    error
	got    []string
	target webhook.Target
}

func (f *fakeForwarder) Forward(_ context.Context, message string, target webhook.Target) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, message)
	f.target = target
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}
