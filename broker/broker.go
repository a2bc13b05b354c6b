// Package broker wraps the host's token-acquisition capability. The engine
// treats the broker as opaque: it can ask for a token (interactively or
// silently), clear every cached provider token, or invalidate one token.
package broker

import (
	"context"
	"errors"
)

// Request describes a token acquisition.
type Request struct {
	// Interactive allows the broker to involve the user (consent screen).
	// A non-interactive request must resolve from cached material only.
	Interactive bool

	// Scopes is the full permission set the token must carry.
	Scopes []string
}

var (
	// ErrConsentDenied is returned when the user declines the consent
	// prompt during an interactive acquisition.
	ErrConsentDenied = errors.New("user declined consent")

	// ErrNoCachedToken is returned for a silent request when the broker has
	// no cached token or refresh material for the requested scopes.
	ErrNoCachedToken = errors.New("no cached token available")
)

// TokenBroker is the host-provided identity capability.
type TokenBroker interface {
	// GetToken acquires an access token for the requested scopes.
	GetToken(ctx context.Context, req Request) (string, error)

	// ClearCachedTokens drops every token the broker has cached.
	ClearCachedTokens(ctx context.Context) error

	// RemoveCachedToken invalidates a single cached token.
	RemoveCachedToken(ctx context.Context, token string) error
}
