package registry

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"cleanbox/internal/model"
)

var ErrUnusableChannel = errors.New("unusable channel")

// Canonicalize returns the subscription identity of a channel and the
// sender domain it belongs to. https channels collapse to their origin;
// mailto channels to the bare lower-cased address.
func Canonicalize(ch model.Channel) (canonicalID, domain string, err error) {
	switch ch.Kind {
	case model.ChannelHTTPS:
		return canonicalOrigin(ch.URL)
	case model.ChannelMailto:
		return canonicalMailto(ch.URL)
	}
	return "", "", fmt.Errorf("%w: kind %q", ErrUnusableChannel, ch.Kind)
}

func canonicalOrigin(raw string) (string, string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUnusableChannel, err)
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if host == "" || (scheme != "https" && scheme != "http") {
		return "", "", fmt.Errorf("%w: %q has no origin", ErrUnusableChannel, raw)
	}

	origin := host
	if strings.Contains(host, ":") {
		origin = "[" + host + "]"
	}
	if port := u.Port(); port != "" && !isDefaultPort(scheme, port) {
		origin += ":" + port
	}
	return scheme + "://" + origin, host, nil
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "https" && port == "443") || (scheme == "http" && port == "80")
}

func canonicalMailto(raw string) (string, string, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) < len("mailto:") || !strings.EqualFold(raw[:len("mailto:")], "mailto:") {
		return "", "", fmt.Errorf("%w: %q is not a mailto", ErrUnusableChannel, raw)
	}
	addr := raw[len("mailto:"):]
	if i := strings.IndexByte(addr, '?'); i >= 0 {
		addr = addr[:i]
	}
	// first recipient only
	if i := strings.IndexByte(addr, ','); i >= 0 {
		addr = addr[:i]
	}
	if unescaped, err := url.PathUnescape(addr); err == nil {
		addr = unescaped
	}
	addr = strings.ToLower(strings.TrimSpace(addr))

	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return "", "", fmt.Errorf("%w: %q has no address", ErrUnusableChannel, raw)
	}
	return "mailto:" + addr, addr[at+1:], nil
}
