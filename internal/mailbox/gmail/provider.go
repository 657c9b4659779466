// Package gmail implements mailbox.Provider and mailbox.Connector on the
// Gmail REST API.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"cleanbox/internal/mailbox"
	"cleanbox/pkg/util"
)

const (
	user                  = "me"
	defaultRevokeURL      = "https://oauth2.googleapis.com/revoke"
	defaultRequestTimeout = 15 * time.Second
)

// DefaultScopes are read-only metadata plus the address for the connect screen.
var DefaultScopes = []string{
	gmailv1.GmailReadonlyScope,
	"https://www.googleapis.com/auth/userinfo.email",
}

type Config struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
	// RequestsPerSecond paces API calls per process. 0 disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// RequestTimeout bounds each API call. Defaults to 15s.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// Endpoint overrides the API base URL, for tests.
	Endpoint  string `yaml:"endpoint"`
	RevokeURL string `yaml:"revoke_url"`
}

type Provider struct {
	oauth     *oauth2.Config
	limiter   *rate.Limiter
	endpoint  string
	revokeURL string
	timeout   time.Duration
	client    *http.Client
}

var (
	_ mailbox.Provider  = (*Provider)(nil)
	_ mailbox.Connector = (*Provider)(nil)
)

func New(cfg Config) *Provider {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 20
	}
	revoke := cfg.RevokeURL
	if revoke == "" {
		revoke = defaultRevokeURL
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		},
		limiter:   rate.NewLimiter(limit, burst),
		endpoint:  cfg.Endpoint,
		revokeURL: revoke,
		timeout:   timeout,
		client:    &http.Client{Timeout: timeout},
	}
}

func (p *Provider) service(ctx context.Context, auth mailbox.Auth) (*gmailv1.Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: auth.AccessToken, TokenType: "Bearer"})
	opts := []option.ClientOption{option.WithTokenSource(ts)}
	if p.endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.endpoint))
	}
	svc, err := gmailv1.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}

func (p *Provider) RefreshAccessToken(ctx context.Context, refreshToken string) (mailbox.Token, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return mailbox.Token{}, err
	}
	tok, err := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return mailbox.Token{}, mapOAuthError(err)
	}
	return toToken(tok), nil
}

func (p *Provider) ListMessageIDs(ctx context.Context, auth mailbox.Auth, q mailbox.ListQuery) (mailbox.Page, error) {
	svc, err := p.service(ctx, auth)
	if err != nil {
		return mailbox.Page{}, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return mailbox.Page{}, err
	}

	call := svc.Users.Messages.List(user).IncludeSpamTrash(false)
	if q.Label != "" {
		call = call.LabelIds(q.Label)
	}
	if q.NewerThan > 0 {
		call = call.Q(newerThan(q.NewerThan))
	}
	if q.PageSize > 0 {
		call = call.MaxResults(q.PageSize)
	}
	if q.PageToken != "" {
		call = call.PageToken(q.PageToken)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	resp, err := call.Context(reqCtx).Do()
	if err != nil {
		return mailbox.Page{}, fmt.Errorf("list messages: %w", mapAPIError(err))
	}
	page := mailbox.Page{NextPageToken: resp.NextPageToken, IDs: make([]string, 0, len(resp.Messages))}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	return page, nil
}

func (p *Provider) GetMessageHeaders(ctx context.Context, auth mailbox.Auth, id string, names []string) (*mailbox.Message, error) {
	svc, err := p.service(ctx, auth)
	if err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	msg, err := svc.Users.Messages.Get(user, id).
		Format("metadata").
		MetadataHeaders(names...).
		Context(reqCtx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, mapAPIError(err))
	}

	out := &mailbox.Message{ID: msg.Id, Headers: make(map[string]string)}
	if msg.InternalDate > 0 {
		out.InternalDate = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			key := strings.ToLower(h.Name)
			// 重复的头保留第一个
			if _, ok := out.Headers[key]; !ok {
				out.Headers[key] = h.Value
			}
		}
	}
	return out, nil
}

func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeCode trades an authorization code for tokens and resolves the
// mailbox address the grant belongs to.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (mailbox.Token, mailbox.Profile, error) {
	tok, err := p.oauth.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return mailbox.Token{}, mailbox.Profile{}, fmt.Errorf("token exchange: %w", mapOAuthError(err))
	}
	if tok.RefreshToken == "" {
		return mailbox.Token{}, mailbox.Profile{}, fmt.Errorf("token exchange: %w: no refresh token granted", mailbox.ErrReconnectRequired)
	}

	out := toToken(tok)
	svc, err := p.service(ctx, mailbox.Auth{AccessToken: out.AccessToken})
	if err != nil {
		return mailbox.Token{}, mailbox.Profile{}, err
	}
	profile, err := svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return mailbox.Token{}, mailbox.Profile{}, fmt.Errorf("get profile: %w", mapAPIError(err))
	}
	return out, mailbox.Profile{Email: strings.ToLower(profile.EmailAddress)}, nil
}

// Revoke is best effort; a token Google no longer knows about counts as revoked.
func (p *Provider) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusBadRequest {
		return fmt.Errorf("revoke token: status %d", resp.StatusCode)
	}
	return nil
}

func toToken(tok *oauth2.Token) mailbox.Token {
	out := mailbox.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		out.Scopes = strings.Fields(scope)
	}
	return out
}

// newerThan renders a Gmail search term, rounding up to whole days.
func newerThan(d time.Duration) string {
	days := int((d + 24*time.Hour - 1) / (24 * time.Hour))
	return fmt.Sprintf("newer_than:%dd", days)
}

func mapOAuthError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client" {
			return fmt.Errorf("%w: %s", mailbox.ErrReconnectRequired, re.ErrorCode)
		}
	}
	return err
}

func mapAPIError(err error) error {
	var ge *googleapi.Error
	if !errors.As(err, &ge) {
		return err
	}
	switch ge.Code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", mailbox.ErrMessageNotFound, err)
	case http.StatusUnauthorized:
		// access token 被吊销或已失效
		return util.Credential(fmt.Errorf("%w: %v", mailbox.ErrReconnectRequired, err))
	}
	return err
}
