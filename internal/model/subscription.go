package model

import "time"

type ChannelKind string

const (
	ChannelHTTPS  ChannelKind = "https"
	ChannelMailto ChannelKind = "mailto"
)

// Channel is one unsubscribe mechanism taken from a List-Unsubscribe header.
type Channel struct {
	Kind     ChannelKind `json:"kind"`
	URL      string      `json:"url"`
	OneClick bool        `json:"one_click"`
}

type Sender struct {
	ID        int64     `json:"id"`
	Domain    string    `json:"domain"`
	Name      *string   `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Subscription struct {
	ID             int64      `json:"id"`
	AccountID      int64      `json:"account_id"`
	SenderID       int64      `json:"sender_id"`
	CanonicalID    string     `json:"canonical_id"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	Unsubscribed   bool       `json:"unsubscribed"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
