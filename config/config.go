// Package config collects the engine's tunables and environment wiring in
// one explicit struct. Nothing in here reaches the network; secrets are
// resolved later through secret.Resolver.
package config

import (
	"os"

	"github.com/taskdock/taskdock/auth"
	"github.com/taskdock/taskdock/probe"
	"github.com/taskdock/taskdock/tasksync"
)

// ScopeTasks grants access to the remote task API.
const ScopeTasks = "https://www.googleapis.com/auth/tasks"

// DefaultScopes is the full scope set requested at interactive login.
var DefaultScopes = []string{
	ScopeTasks,
	probe.ScopeDrive,
	probe.ScopeSheets,
	probe.ScopeCalendar,
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// Config is the engine's full configuration.
type Config struct {
	// OAuth client registration.
	ClientID    string
	RedirectURL string
	Scopes      []string

	// ClientSecretParam names the parameter holding the OAuth client
	// secret, resolved via secret.Resolver (SSM in production, env in
	// dev mode).
	ClientSecretParam string

	// DevMode swaps AWS-backed collaborators for in-memory ones.
	DevMode bool

	// Credential persistence (ignored when CredentialsTable is empty).
	CredentialsTable string
	KMSKeyID         string
	ProfileID        string

	// Endpoint overrides, empty for the provider defaults.
	IntrospectURL string
	RevokeURL     string

	Auth auth.Options
	Sync tasksync.Options
}

// FromEnv builds a Config from environment variables, filling defaults the
// same way for every unset value.
func FromEnv() Config {
	cfg := Config{
		ClientID:          os.Getenv("GOOGLE_CLIENT_ID"),
		RedirectURL:       envOr("GOOGLE_REDIRECT_URL", "http://localhost:8080/auth/callback"),
		Scopes:            DefaultScopes,
		ClientSecretParam: envOr("GOOGLE_CLIENT_SECRET_PARAM", "/taskdock/google-client-secret"),
		DevMode:           os.Getenv("DEV_MODE") == "true",
		CredentialsTable:  os.Getenv("USER_TOKENS_TABLE"),
		KMSKeyID:          envOr("KMS_KEY_ID", "alias/taskdock-token-key"),
		ProfileID:         envOr("PROFILE_ID", "default"),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
