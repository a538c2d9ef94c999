// Package store defines the persistence model for users, their agent
// credentials and their SIP settings.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a username is already taken.
	ErrConflict = errors.New("store: conflict")
)

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"isAdmin"`
	IsLocked     bool      `json:"isLocked"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UserPatch updates the non-nil fields of a user.
type UserPatch struct {
	PasswordHash *string
	IsAdmin      *bool
	IsLocked     *bool
}

func (p UserPatch) Empty() bool {
	return p.PasswordHash == nil && p.IsAdmin == nil && p.IsLocked == nil
}

// UserConfig holds the third-party credentials of one user. A user without a
// stored row has the zero UserConfig.
type UserConfig struct {
	UserID        int64     `json:"userId"`
	APIKey        string    `json:"apiKey"`
	VoiceAgentID  string    `json:"voiceAgentId"`
	ChatAgentID   string    `json:"chatAgentId"`
	WebhookURL    string    `json:"webhookUrl"`
	WebhookAPIKey string    `json:"webhookApiKey"`
	UpdatedAt     time.Time `json:"updatedAt,omitempty"`
}

// Normalize trims whitespace from every field.
func (c *UserConfig) Normalize() {
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.VoiceAgentID = strings.TrimSpace(c.VoiceAgentID)
	c.ChatAgentID = strings.TrimSpace(c.ChatAgentID)
	c.WebhookURL = strings.TrimSpace(c.WebhookURL)
	c.WebhookAPIKey = strings.TrimSpace(c.WebhookAPIKey)
}

func (c UserConfig) Validate() error {
	if c.WebhookURL != "" {
		u, err := url.Parse(c.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhookUrl must be an http(s) URL")
		}
	}
	return nil
}

const (
	SIPProtocolTCP = "TCP"
	SIPProtocolTLS = "TLS"

	DefaultSIPPort = 5060
)

type SIPConfig struct {
	UserID          int64     `json:"userId"`
	Registrar       string    `json:"registrar"`
	Port            int       `json:"port"`
	Protocol        string    `json:"protocol"`
	WebSocketURL    string    `json:"websocketUrl"`
	Username        string    `json:"username"`
	Password        string    `json:"password,omitempty"`
	DisplayName     string    `json:"displayName"`
	CertificatePath string    `json:"certificatePath"`
	UpdatedAt       time.Time `json:"updatedAt,omitempty"`
}

// DefaultSIPConfig is returned for users without stored SIP settings.
func DefaultSIPConfig(userID int64) SIPConfig {
	return SIPConfig{UserID: userID, Port: DefaultSIPPort, Protocol: SIPProtocolTLS}
}

func (c *SIPConfig) Normalize() {
	c.Registrar = strings.TrimSpace(c.Registrar)
	c.Protocol = strings.ToUpper(strings.TrimSpace(c.Protocol))
	c.WebSocketURL = strings.TrimSpace(c.WebSocketURL)
	c.Username = strings.TrimSpace(c.Username)
	c.DisplayName = strings.TrimSpace(c.DisplayName)
	c.CertificatePath = strings.TrimSpace(c.CertificatePath)
	if c.Port == 0 {
		c.Port = DefaultSIPPort
	}
	if c.Protocol == "" {
		c.Protocol = SIPProtocolTLS
	}
}

func (c SIPConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.Protocol != SIPProtocolTCP && c.Protocol != SIPProtocolTLS {
		return fmt.Errorf("protocol must be TCP or TLS")
	}
	if c.WebSocketURL != "" {
		u, err := url.Parse(c.WebSocketURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("websocketUrl must be a ws(s) URL")
		}
	}
	return nil
}

// Store persists users and their per-user settings.
type Store interface {
	CreateUser(ctx context.Context, username, passwordHash string, isAdmin bool) (User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpdateUser(ctx context.Context, id int64, patch UserPatch) (User, error)
	DeleteUser(ctx context.Context, id int64) error

	GetConfig(ctx context.Context, userID int64) (UserConfig, error)
	PutConfig(ctx context.Context, cfg UserConfig) error

	GetSIPConfig(ctx context.Context, userID int64) (SIPConfig, error)
	PutSIPConfig(ctx context.Context, cfg SIPConfig) error

	Ping(ctx context.Context) error
	Close() error
}

// NormalizeUsername trims and validates a username.
func NormalizeUsername(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", fmt.Errorf("username is required")
	}
	if len(name) > 64 {
		return "", fmt.Errorf("username must be at most 64 characters")
	}
	if strings.ContainsAny(name, " \t\r\n,") {
		return "", fmt.Errorf("username must not contain whitespace or commas")
	}
	return name, nil
}
