// Package taskdock is the composition root for the authentication and
// synchronization engine. New wires the identity broker, token validator,
// permission prober, auth lifecycle manager and task synchronizer into one
// Engine; everything else in the repository is reachable from here.
package taskdock

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/taskdock/taskdock/auth"
	"github.com/taskdock/taskdock/broker"
	"github.com/taskdock/taskdock/config"
	"github.com/taskdock/taskdock/credstore"
	"github.com/taskdock/taskdock/cryptox"
	"github.com/taskdock/taskdock/probe"
	"github.com/taskdock/taskdock/secret"
	"github.com/taskdock/taskdock/tasksync"
	"github.com/taskdock/taskdock/tasksync/gtasks"
)

// Engine bundles the engine's two public services. Consumers subscribe to
// Auth for state changes and drive Sync for task operations.
type Engine struct {
	Auth *auth.Manager
	Sync *tasksync.Synchronizer

	logger *slog.Logger
}

// New builds the engine from configuration. receiver completes the
// interactive half of the OAuth code flow (opening the consent URL and
// returning the authorization code); it is the host's one obligation.
func New(ctx context.Context, cfg config.Config, receiver broker.CodeReceiver, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = config.DefaultScopes
	}
	if cfg.Auth.RequiredScopes == nil {
		cfg.Auth.RequiredScopes = cfg.Scopes
	}

	store, resolver, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	clientSecret, err := resolver.GetSecret(ctx, cfg.ClientSecretParam)
	if err != nil {
		logger.Warn("oauth client secret unresolved", "param", cfg.ClientSecretParam, "error", err)
	}

	oauthConfig := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: clientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		Endpoint:     google.Endpoint,
	}

	tokenBroker := broker.NewOAuthBroker(oauthConfig, receiver)
	validator := auth.NewValidator(http.DefaultClient, cfg.IntrospectURL, cfg.Auth.RequiredScopes, logger)
	prober := probe.New(logger)

	cfg.Auth.RevokeURL = cfg.RevokeURL
	manager := auth.NewManager(auth.Deps{
		Broker:    tokenBroker,
		Validator: validator,
		Prober:    prober,
		Store:     store,
		Profiles:  auth.NewGoogleProfileSource(),
		Logger:    logger,
	}, cfg.Auth)

	synchronizer := tasksync.New(gtasks.NewProvider(), manager, logger, cfg.Sync)

	return &Engine{Auth: manager, Sync: synchronizer, logger: logger}, nil
}

// buildStorage picks the credential store and secret resolver. Dev mode and
// a missing table name both fall back to in-memory storage with env-resolved
// secrets; otherwise credentials persist to DynamoDB encrypted through KMS,
// and secrets come from SSM Parameter Store.
func buildStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (credstore.Store, secret.Resolver, error) {
	if cfg.DevMode || cfg.CredentialsTable == "" {
		logger.Info("using in-memory credential store")
		return credstore.NewMemoryStore(), secret.NewEnvResolver(), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load aws config: %w", err)
	}

	encryptor := cryptox.NewKMSEncryptor(kms.NewFromConfig(awsCfg), cfg.KMSKeyID)
	store := credstore.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.CredentialsTable, cfg.ProfileID, encryptor)
	return store, secret.NewSSMResolver(ssm.NewFromConfig(awsCfg)), nil
}

// Start runs the auth manager's initialize sequence. Safe to call once at
// host startup; the published state tells consumers where things landed.
func (e *Engine) Start(ctx context.Context) {
	e.Auth.Initialize(ctx)
}

// Close flushes pending synchronizer writes and cancels in-flight loads.
func (e *Engine) Close(ctx context.Context) {
	e.Sync.Close(ctx)
}
