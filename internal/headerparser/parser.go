// Package headerparser turns the unsubscribe-related headers of one message
// into channels and a best-effort sender name. It performs no I/O.
package headerparser

import (
	"net/mail"
	"regexp"
	"strings"
	"time"

	"cleanbox/internal/model"
)

const DefaultLookback = 30 * 24 * time.Hour

// Header names requested from the mailbox provider.
const (
	HeaderFrom                = "From"
	HeaderListUnsubscribe     = "List-Unsubscribe"
	HeaderListUnsubscribePost = "List-Unsubscribe-Post"
	HeaderDate                = "Date"
)

// HeaderNames is the minimal metadata set a scan needs. Bodies are never fetched.
var HeaderNames = []string{HeaderFrom, HeaderListUnsubscribe, HeaderListUnsubscribePost, HeaderDate}

type Headers struct {
	From                string
	ListUnsubscribe     string
	ListUnsubscribePost string
	Date                string
	// InternalDate is the provider-assigned receive time; zero when unknown.
	InternalDate time.Time
}

type Result struct {
	SenderName *string
	Channels   []model.Channel
}

var bracketed = regexp.MustCompile(`<([^<>]*)>`)

// Parse applies the age filter and extracts channels and sender name.
func Parse(h Headers, now time.Time, lookback time.Duration) Result {
	if lookback <= 0 {
		lookback = DefaultLookback
	}

	ts, ok := EffectiveTime(h)
	if !ok || now.Sub(ts) > lookback {
		return Result{}
	}

	return Result{
		SenderName: SenderName(h.From),
		Channels:   Channels(h.ListUnsubscribe, h.ListUnsubscribePost),
	}
}

// EffectiveTime prefers the provider timestamp, since the Date header is
// sender-controlled. ok is false when neither is usable.
func EffectiveTime(h Headers) (time.Time, bool) {
	if !h.InternalDate.IsZero() {
		return h.InternalDate, true
	}
	if d := strings.TrimSpace(h.Date); d != "" {
		if ts, err := mail.ParseDate(d); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// Channels parses a List-Unsubscribe value. Unrecognized tokens are dropped.
func Channels(listUnsubscribe, listUnsubscribePost string) []model.Channel {
	oneClick := strings.Contains(strings.ToLower(listUnsubscribePost), "one-click")

	var tokens []string
	if m := bracketed.FindAllStringSubmatch(listUnsubscribe, -1); len(m) > 0 {
		for _, g := range m {
			tokens = append(tokens, g[1])
		}
	} else {
		// some senders omit the angle brackets
		tokens = strings.Split(listUnsubscribe, ",")
	}

	seen := make(map[string]bool, len(tokens))
	var out []model.Channel
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" || seen[tok] {
			continue
		}
		lower := strings.ToLower(tok)

		var kind model.ChannelKind
		switch {
		case strings.HasPrefix(lower, "http"):
			kind = model.ChannelHTTPS
		case strings.HasPrefix(lower, "mailto:"):
			kind = model.ChannelMailto
		default:
			continue
		}

		seen[tok] = true
		out = append(out, model.Channel{Kind: kind, URL: tok, OneClick: oneClick})
	}
	return out
}

// SenderName extracts the display name of a From header, or nil.
func SenderName(from string) *string {
	from = strings.TrimSpace(from)
	if from == "" {
		return nil
	}

	if addr, err := mail.ParseAddress(from); err == nil {
		if name := strings.TrimSpace(addr.Name); name != "" {
			return &name
		}
	}

	idx := strings.Index(from, "<")
	if idx <= 0 {
		return nil
	}
	name := strings.TrimSpace(from[:idx])
	name = strings.TrimSpace(strings.Trim(name, `"'`))
	if name == "" {
		return nil
	}
	return &name
}
