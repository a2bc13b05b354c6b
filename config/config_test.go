package config

import "testing"

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()

	if cfg.ClientSecretParam != "/taskdock/google-client-secret" {
		t.Errorf("ClientSecretParam = %q", cfg.ClientSecretParam)
	}
	if cfg.ProfileID != "default" {
		t.Errorf("ProfileID = %q", cfg.ProfileID)
	}
	if len(cfg.Scopes) == 0 {
		t.Error("Scopes should default to the full scope set")
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("GOOGLE_CLIENT_ID", "client-123")
	t.Setenv("DEV_MODE", "true")
	t.Setenv("USER_TOKENS_TABLE", "Creds")

	cfg := FromEnv()

	if cfg.ClientID != "client-123" {
		t.Errorf("ClientID = %q", cfg.ClientID)
	}
	if !cfg.DevMode {
		t.Error("DevMode should be true")
	}
	if cfg.CredentialsTable != "Creds" {
		t.Errorf("CredentialsTable = %q", cfg.CredentialsTable)
	}
}
