// Package storetest holds a behavioral suite shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/voice-orchestrator/pkg/store"
)

// Run exercises s. The store must start empty.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	t.Run("Users", func(t *testing.T) { testUsers(t, s) })
	t.Run("Config", func(t *testing.T) { testConfig(t, s) })
	t.Run("SIPConfig", func(t *testing.T) { testSIPConfig(t, s) })
	t.Run("DeleteCascades", func(t *testing.T) { testDeleteCascades(t, s) })
}

func testUsers(t *testing.T, s store.Store) {
	ctx := context.Background()

	alice, err := s.CreateUser(ctx, "alice", "hash-a", true)
	require.NoError(t, err)
	assert.NotZero(t, alice.ID)
	assert.True(t, alice.IsAdmin)
	assert.False(t, alice.IsLocked)
	assert.False(t, alice.CreatedAt.IsZero())

	_, err = s.CreateUser(ctx, "alice", "other", false)
	assert.ErrorIs(t, err, store.ErrConflict)

	bob, err := s.CreateUser(ctx, "bob", "hash-b", false)
	require.NoError(t, err)

	got, err := s.GetUserByUsername(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, bob.ID, got.ID)
	assert.Equal(t, "hash-b", got.PasswordHash)

	_, err = s.GetUserByUsername(ctx, "carol")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetUser(ctx, 999999)
	assert.ErrorIs(t, err, store.ErrNotFound)

	locked := true
	hash := "hash-b2"
	updated, err := s.UpdateUser(ctx, bob.ID, store.UserPatch{IsLocked: &locked, PasswordHash: &hash})
	require.NoError(t, err)
	assert.True(t, updated.IsLocked)
	assert.False(t, updated.IsAdmin)
	assert.Equal(t, "hash-b2", updated.PasswordHash)

	unchanged, err := s.UpdateUser(ctx, bob.ID, store.UserPatch{})
	require.NoError(t, err)
	assert.Equal(t, updated.PasswordHash, unchanged.PasswordHash)

	_, err = s.UpdateUser(ctx, 999999, store.UserPatch{IsLocked: &locked})
	assert.ErrorIs(t, err, store.ErrNotFound)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username)
	assert.Equal(t, "bob", users[1].Username)

	require.NoError(t, s.DeleteUser(ctx, bob.ID))
	assert.ErrorIs(t, s.DeleteUser(ctx, bob.ID), store.ErrNotFound)
	require.NoError(t, s.DeleteUser(ctx, alice.ID))
}

func testConfig(t *testing.T, s store.Store) {
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "config-user", "h", false)
	require.NoError(t, err)
	defer s.DeleteUser(ctx, u.ID)

	empty, err := s.GetConfig(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, empty.UserID)
	assert.Empty(t, empty.APIKey)

	cfg := store.UserConfig{
		UserID:        u.ID,
		APIKey:        "sk_1",
		VoiceAgentID:  "agent_voice",
		ChatAgentID:   "agent_chat",
		WebhookURL:    "https://hooks.example.com/wf",
		WebhookAPIKey: "n8n-key",
	}
	require.NoError(t, s.PutConfig(ctx, cfg))

	cfg.ChatAgentID = ""
	require.NoError(t, s.PutConfig(ctx, cfg))

	got, err := s.GetConfig(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "sk_1", got.APIKey)
	assert.Equal(t, "agent_voice", got.VoiceAgentID)
	assert.Empty(t, got.ChatAgentID)
	assert.Equal(t, "n8n-key", got.WebhookAPIKey)
	assert.False(t, got.UpdatedAt.IsZero())

	err = s.PutConfig(ctx, store.UserConfig{UserID: 999999, APIKey: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testSIPConfig(t *testing.T, s store.Store) {
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "sip-user", "h", false)
	require.NoError(t, err)
	defer s.DeleteUser(ctx, u.ID)

	def, err := s.GetSIPConfig(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DefaultSIPPort, def.Port)
	assert.Equal(t, store.SIPProtocolTLS, def.Protocol)

	cfg := store.SIPConfig{
		UserID:       u.ID,
		Registrar:    "sip.example.com",
		Port:         5061,
		Protocol:     store.SIPProtocolTCP,
		WebSocketURL: "wss://sip.example.com/ws",
		Username:     "1001",
		Password:     "secret",
		DisplayName:  "Front Desk",
	}
	require.NoError(t, s.PutSIPConfig(ctx, cfg))

	got, err := s.GetSIPConfig(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 5061, got.Port)
	assert.Equal(t, store.SIPProtocolTCP, got.Protocol)
	assert.Equal(t, "secret", got.Password)
	assert.Equal(t, "Front Desk", got.DisplayName)
}

func testDeleteCascades(t *testing.T, s store.Store) {
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "cascade", "h", false)
	require.NoError(t, err)
	require.NoError(t, s.PutConfig(ctx, store.UserConfig{UserID: u.ID, APIKey: "sk"}))
	require.NoError(t, s.PutSIPConfig(ctx, store.DefaultSIPConfig(u.ID)))

	require.NoError(t, s.DeleteUser(ctx, u.ID))

	// A recreated user must not inherit stale settings.
	again, err := s.CreateUser(ctx, "cascade", "h", false)
	require.NoError(t, err)
	cfg, err := s.GetConfig(ctx, again.ID)
	require.NoError(t, err)
	assert.Empty(t, cfg.APIKey)
	require.NoError(t, s.DeleteUser(ctx, again.ID))
}
