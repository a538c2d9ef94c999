package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/voice-orchestrator/pkg/gateway/auth"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/metrics"
	"github.com/vango-go/voice-orchestrator/pkg/store"
)

func newAuthHandler(t *testing.T) (AuthHandler, store.Store) {
	t.Helper()
	st := newTestStore(t)
	tokens, err := auth.NewTokens([]byte(strings.Repeat("s", 32)), time.Hour)
	require.NoError(t, err)
	return AuthHandler{Auth: auth.NewService(st, tokens), Metrics: metrics.New("test")}, st
}

func postLogin(h AuthHandler, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.Login(rr, httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body)))
	return rr
}

func TestLogin_Success(t *testing.T) {
	h, st := newAuthHandler(t)
	u := mustCreateUser(t, st, "alice", true)

	rr := postLogin(h, `{"username":" alice ","password":"password1"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var sess auth.Session
	decodeResponse(t, rr, &sess)
	assert.NotEmpty(t, sess.Token)
	assert.Equal(t, u.ID, sess.UserID)
	assert.True(t, sess.IsAdmin)
	assert.True(t, sess.ExpiresAt.After(time.Now()))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.Metrics.LoginsTotal.WithLabelValues("ok")))
}

func TestLogin_Failures(t *testing.T) {
	h, st := newAuthHandler(t)
	u := mustCreateUser(t, st, "bob", false)
	locked := true
	_, err := st.UpdateUser(t.Context(), u.ID, store.UserPatch{IsLocked: &locked})
	require.NoError(t, err)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{name: "missing fields", body: `{"username":"bob"}`, status: http.StatusBadRequest},
		{name: "unknown field", body: `{"username":"bob","password":"x","remember":true}`, status: http.StatusBadRequest},
		{name: "empty body", body: ``, status: http.StatusBadRequest},
		{name: "unknown user", body: `{"username":"nobody","password":"password1"}`, status: http.StatusUnauthorized, code: "invalid_credentials"},
		{name: "wrong password", body: `{"username":"bob","password":"nope-nope"}`, status: http.StatusUnauthorized, code: "invalid_credentials"},
		{name: "locked", body: `{"username":"bob","password":"password1"}`, status: http.StatusUnauthorized, code: "account_locked"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := postLogin(h, tc.body)
			require.Equal(t, tc.status, rr.Code, rr.Body.String())
			if tc.code != "" {
				assert.Equal(t, tc.code, errorBody(t, rr)["code"])
			}
		})
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(h.Metrics.LoginsTotal.WithLabelValues("invalid_credentials")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.Metrics.LoginsTotal.WithLabelValues("locked")))
}

func TestMe(t *testing.T) {
	h, st := newAuthHandler(t)
	u := mustCreateUser(t, st, "carol", false)

	rr := httptest.NewRecorder()
	h.Me(rr, asUser(httptest.NewRequest(http.MethodGet, "/api/me", nil), u))
	require.Equal(t, http.StatusOK, rr.Code)
	var got map[string]any
	decodeResponse(t, rr, &got)
	assert.Equal(t, "carol", got["username"])
	assert.Equal(t, false, got["isAdmin"])

	rr = httptest.NewRecorder()
	h.Me(rr, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
