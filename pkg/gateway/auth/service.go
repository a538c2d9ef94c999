package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/vango-go/voice-orchestrator/pkg/core"
	"github.com/vango-go/voice-orchestrator/pkg/store"
)

// dummyHash keeps the cost of an unknown-user login close to a bad password.
var dummyHash = sync.OnceValue(func() string {
	h, _ := bcrypt.GenerateFromPassword([]byte("voicedash-unknown-user"), bcrypt.DefaultCost)
	return string(h)
})

type Service struct {
	users  store.Store
	tokens *Tokens
}

func NewService(users store.Store, tokens *Tokens) *Service {
	return &Service{users: users, tokens: tokens}
}

// Session is the result of a successful login.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	UserID    int64     `json:"userId"`
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"isAdmin"`
}

func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	u, err := s.users.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		CheckPassword(dummyHash(), password)
		return Session{}, core.NewInvalidCredentialsError()
	}
	if err != nil {
		return Session{}, err
	}
	if !CheckPassword(u.PasswordHash, password) {
		return Session{}, core.NewInvalidCredentialsError()
	}
	if u.IsLocked {
		return Session{}, core.NewAccountLockedError()
	}
	p := Principal{UserID: u.ID, Username: u.Username, IsAdmin: u.IsAdmin}
	token, exp, err := s.tokens.Issue(p)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, ExpiresAt: exp, UserID: u.ID, Username: u.Username, IsAdmin: u.IsAdmin}, nil
}

// Authenticate verifies token and reloads the user so that locks, deletions
// and admin changes take effect before the token expires.
func (s *Service) Authenticate(ctx context.Context, token string) (*Principal, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, core.NewSessionExpiredError()
	}
	u, err := s.users.GetUser(ctx, claims.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, core.NewSessionExpiredError()
	}
	if err != nil {
		return nil, err
	}
	if u.IsLocked {
		return nil, core.NewAccountLockedError()
	}
	return &Principal{UserID: u.ID, Username: u.Username, IsAdmin: u.IsAdmin}, nil
}
