// Package mailbox describes the mailbox provider capability used by scans,
// and the credential refresh policy around it.
package mailbox

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrMessageNotFound   = errors.New("message not found")
	ErrReconnectRequired = errors.New("reconnect required")
)

const (
	LabelInbox      = "INBOX"
	LabelPromotions = "CATEGORY_PROMOTIONS"
)

type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
}

// Auth is what a provider call needs to act for one account.
type Auth struct {
	AccountID   int64
	AccessToken string
}

type ListQuery struct {
	Label     string
	NewerThan time.Duration
	PageSize  int64
	PageToken string
}

type Page struct {
	IDs           []string
	NextPageToken string
}

// Message carries only metadata headers, keyed by lower-cased name.
type Message struct {
	ID           string
	InternalDate time.Time
	Headers      map[string]string
}

func (m *Message) Header(name string) string {
	return m.Headers[strings.ToLower(name)]
}

type Profile struct {
	Email string
}

type Refresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (Token, error)
}

type Provider interface {
	Refresher
	ListMessageIDs(ctx context.Context, auth Auth, q ListQuery) (Page, error)
	// GetMessageHeaders returns ErrMessageNotFound for deleted messages.
	GetMessageHeaders(ctx context.Context, auth Auth, id string, names []string) (*Message, error)
}

// Connector handles the OAuth connect and disconnect surface.
type Connector interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (Token, Profile, error)
	Revoke(ctx context.Context, token string) error
}
