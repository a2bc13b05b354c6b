package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// CodeReceiver obtains an authorization code for the given consent URL. The
// host decides how: open a browser window with a loopback listener, show the
// URL and read the pasted code, etc. Returning ErrConsentDenied signals that
// the user declined.
type CodeReceiver func(ctx context.Context, authURL string) (code string, err error)

// OAuthBroker implements TokenBroker over a standard OAuth2 authorization
// code flow. Tokens are cached per scope set; silent requests are served from
// the cache or by refreshing, never by prompting the user.
type OAuthBroker struct {
	config   *oauth2.Config
	receiver CodeReceiver

	mu          sync.Mutex
	cached      map[string]*oauth2.Token // keyed by joined scope set
	lastIDToken string
}

// NewOAuthBroker creates a broker. The oauth2.Config is constructed by the
// caller (client ID, resolved client secret, provider endpoint); receiver
// handles the interactive leg.
func NewOAuthBroker(config *oauth2.Config, receiver CodeReceiver) *OAuthBroker {
	return &OAuthBroker{
		config:   config,
		receiver: receiver,
		cached:   make(map[string]*oauth2.Token),
	}
}

func scopeKey(scopes []string) string {
	return strings.Join(scopes, " ")
}

// GetToken acquires an access token for the requested scopes. Silent
// requests resolve from the cache (refreshing if expired); interactive
// requests run the authorization code flow.
func (b *OAuthBroker) GetToken(ctx context.Context, req Request) (string, error) {
	key := scopeKey(req.Scopes)

	b.mu.Lock()
	cached := b.cached[key]
	b.mu.Unlock()

	if cached != nil {
		if cached.Valid() {
			return cached.AccessToken, nil
		}
		if cached.RefreshToken != "" {
			cfg := b.scopedConfig(req.Scopes)
			refreshed, err := cfg.TokenSource(ctx, cached).Token()
			if err == nil {
				b.storeToken(key, refreshed)
				return refreshed.AccessToken, nil
			}
			// Refresh failed; fall through to interactive if allowed.
			if !req.Interactive {
				return "", fmt.Errorf("refresh cached token: %w", err)
			}
		}
	}

	if !req.Interactive {
		return "", ErrNoCachedToken
	}

	cfg := b.scopedConfig(req.Scopes)
	state := uuid.New().String()
	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	code, err := b.receiver(ctx, authURL)
	if err != nil {
		return "", err
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange authorization code: %w", err)
	}

	b.storeToken(key, tok)
	return tok.AccessToken, nil
}

// ClearCachedTokens drops every cached token.
func (b *OAuthBroker) ClearCachedTokens(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cached = make(map[string]*oauth2.Token)
	return nil
}

// RemoveCachedToken invalidates any cached entry carrying the given access
// token. Refresh material for that entry is dropped with it.
func (b *OAuthBroker) RemoveCachedToken(_ context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, tok := range b.cached {
		if tok.AccessToken == token {
			delete(b.cached, key)
		}
	}
	return nil
}

// LastIDToken returns the OpenID Connect ID token from the most recent
// exchange, if the provider returned one. Empty when unknown.
func (b *OAuthBroker) LastIDToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastIDToken
}

func (b *OAuthBroker) scopedConfig(scopes []string) *oauth2.Config {
	cfg := *b.config
	cfg.Scopes = scopes
	return &cfg
}

func (b *OAuthBroker) storeToken(key string, tok *oauth2.Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tok.Expiry.IsZero() {
		tok.Expiry = time.Now().Add(time.Hour)
	}
	b.cached[key] = tok
	if id, ok := tok.Extra("id_token").(string); ok && id != "" {
		b.lastIDToken = id
	}
}
