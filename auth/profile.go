package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

// Profile is the provider's identity record for the signed-in user.
type Profile struct {
	Subject string
	Name    string
	Email   string
	Picture string
}

// ProfileSource fetches the profile for an access token.
type ProfileSource interface {
	Fetch(ctx context.Context, token string) (Profile, error)
}

// GoogleProfileSource fetches the profile from the provider's userinfo
// endpoint. clientOpts lets tests redirect the service to a fake endpoint.
type GoogleProfileSource struct {
	clientOpts []option.ClientOption
}

// NewGoogleProfileSource creates a userinfo-backed ProfileSource.
func NewGoogleProfileSource(clientOpts ...option.ClientOption) *GoogleProfileSource {
	return &GoogleProfileSource{clientOpts: clientOpts}
}

func (s *GoogleProfileSource) Fetch(ctx context.Context, token string) (Profile, error) {
	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})),
	}
	opts = append(opts, s.clientOpts...)

	srv, err := oauth2api.NewService(ctx, opts...)
	if err != nil {
		return Profile{}, fmt.Errorf("create userinfo service: %w", err)
	}

	ui, err := srv.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return Profile{}, fmt.Errorf("fetch userinfo: %w", err)
	}

	return Profile{
		Subject: ui.Id,
		Name:    ui.Name,
		Email:   ui.Email,
		Picture: ui.Picture,
	}, nil
}

// IDTokenSource exposes the ID token from the most recent acquisition, when
// the broker implementation has one. Optional.
type IDTokenSource interface {
	LastIDToken() string
}

// profileFromIDToken extracts the profile from an OpenID Connect ID token's
// claims. The token arrived over TLS from the provider moments ago, so the
// signature is not re-verified here; this is a fallback for when the userinfo
// call fails.
func profileFromIDToken(idToken string) (Profile, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return Profile{}, fmt.Errorf("parse id token: %w", err)
	}

	str := func(key string) string {
		if v, ok := claims[key].(string); ok {
			return v
		}
		return ""
	}

	p := Profile{
		Subject: str("sub"),
		Name:    str("name"),
		Email:   str("email"),
		Picture: str("picture"),
	}
	if p.Subject == "" {
		return Profile{}, fmt.Errorf("id token has no subject claim")
	}
	return p, nil
}
