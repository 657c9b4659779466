package model

import "time"

const ProviderGmail = "gmail"

// MailboxAccount is one connected mailbox. RefreshTokenEnc holds the
// encrypted refresh credential and is never serialized.
type MailboxAccount struct {
	ID              int64      `json:"id"`
	UserID          int64      `json:"user_id"`
	Email           string     `json:"email"`
	Provider        string     `json:"provider"`
	AccessToken     string     `json:"-"`
	RefreshTokenEnc string     `json:"-"`
	TokenExpiry     *time.Time `json:"token_expiry,omitempty"`
	Scopes          []string   `json:"scopes"`
	IsActive        bool       `json:"is_active"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Connected reports whether the account still holds a refresh credential.
func (a *MailboxAccount) Connected() bool {
	return a.RefreshTokenEnc != ""
}
