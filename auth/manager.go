package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/taskdock/taskdock/broker"
	"github.com/taskdock/taskdock/cache"
	"github.com/taskdock/taskdock/credstore"
	"github.com/taskdock/taskdock/probe"
)

// DefaultRevokeURL is the provider's token revocation endpoint.
const DefaultRevokeURL = "https://oauth2.googleapis.com/revoke"

// Prober confirms live access to the protected resource APIs.
type Prober interface {
	Probe(ctx context.Context, token string) probe.Results
}

// PermissionSnapshot combines introspected scope claims with live probe
// outcomes. AllRequiredGranted is true only when every required resource both
// appears in the granted scopes and answered a live probe successfully.
type PermissionSnapshot struct {
	Drive              bool
	Sheets             bool
	Calendar           bool
	AllRequiredGranted bool
	LastCheckedAt      time.Time
}

// Options are the Manager's tunable thresholds. Zero values pick defaults.
type Options struct {
	// RequiredScopes is the full scope set requested at login.
	RequiredScopes []string

	// MinLoginInterval rate-limits interactive login attempts.
	MinLoginInterval time.Duration

	// MaxConsecutiveFailures opens the circuit breaker: once reached, login
	// surfaces a "try again later" error without attempting.
	MaxConsecutiveFailures int

	// AcquireTimeout is the hard timeout on token acquisition.
	AcquireTimeout time.Duration

	// ClearSettleDelay is the brief wait after clearing cached provider
	// tokens before requesting a fresh one.
	ClearSettleDelay time.Duration

	// CredentialFreshness is the ceiling past which a stored credential is
	// revalidated rather than trusted.
	CredentialFreshness time.Duration

	// PermissionTTL is how long a PermissionSnapshot stays cached.
	PermissionTTL time.Duration

	// RevokeURL is the provider's revocation endpoint.
	RevokeURL string
}

func (o Options) withDefaults() Options {
	if o.MinLoginInterval <= 0 {
		o.MinLoginInterval = 5 * time.Second
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = 3
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 30 * time.Second
	}
	if o.ClearSettleDelay <= 0 {
		o.ClearSettleDelay = 100 * time.Millisecond
	}
	if o.CredentialFreshness <= 0 {
		o.CredentialFreshness = credstore.DefaultFreshness
	}
	if o.PermissionTTL <= 0 {
		o.PermissionTTL = 10 * time.Minute
	}
	if o.RevokeURL == "" {
		o.RevokeURL = DefaultRevokeURL
	}
	return o
}

// Deps are the Manager's injected collaborators.
type Deps struct {
	Broker     broker.TokenBroker
	Validator  *Validator
	Prober     Prober
	Store      credstore.Store
	Profiles   ProfileSource
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Manager orchestrates the credential lifecycle: initialize, login, forced
// reauthentication, logout, and permission checking. State changes reach
// consumers only through Subscribe.
type Manager struct {
	broker     broker.TokenBroker
	validator  *Validator
	prober     Prober
	store      credstore.Store
	profiles   ProfileSource
	httpClient *http.Client
	logger     *slog.Logger
	opts       Options

	notifier  *notifier
	permCache *cache.Cache[PermissionSnapshot]

	// guards the in-flight flags and failure counters
	mu                  sync.Mutex
	loginInFlight       bool
	reauthInFlight      bool
	lastAttempt         time.Time
	consecutiveFailures int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a Manager. Missing optional deps fall back to sensible
// defaults (in-memory store, default HTTP client, slog default logger).
func NewManager(deps Deps, opts Options) *Manager {
	if deps.Store == nil {
		deps.Store = credstore.NewMemoryStore()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	m := &Manager{
		broker:     deps.Broker,
		validator:  deps.Validator,
		prober:     deps.Prober,
		store:      deps.Store,
		profiles:   deps.Profiles,
		httpClient: deps.HTTPClient,
		logger:     deps.Logger,
		opts:       opts.withDefaults(),
		notifier:   newNotifier(),
		permCache:  cache.New[PermissionSnapshot](16),
		now:        time.Now,
		sleep:      sleepCtx,
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Subscribe registers a listener, invokes it immediately with the current
// state, and returns an unsubscribe function. This is the sole notification
// channel; consumers never poll.
func (m *Manager) Subscribe(l Listener) func() {
	return m.notifier.subscribe(l)
}

// CurrentState returns the last published state.
func (m *Manager) CurrentState() State {
	return m.notifier.current()
}

// Initialize restores a cached credential if present and validates it; if
// none is usable it attempts a silent acquisition. It never returns an error:
// every failure resolves to an unauthenticated published state.
func (m *Manager) Initialize(ctx context.Context) {
	m.notifier.publish(State{Loading: true})

	rec, err := m.store.Load(ctx)
	if err == nil && !rec.Stale(m.now(), m.opts.CredentialFreshness) {
		vr := m.validator.Validate(ctx, rec.AccessToken, true)
		if vr.Valid {
			m.notifier.publish(State{
				Authenticated: true,
				Credential: &Credential{
					Subject:     rec.Subject,
					Name:        rec.Name,
					Email:       rec.Email,
					Picture:     rec.Picture,
					AccessToken: rec.AccessToken,
					Expiry:      vr.ExpiresAt,
				},
			})
			return
		}
		m.logger.Info("stored credential failed validation, clearing", "errors", vr.Errors)
	} else if err != nil && !errors.Is(err, credstore.ErrNotFound) {
		m.logger.Warn("loading stored credential failed", "error", err)
	}

	if err := m.store.Clear(ctx); err != nil {
		m.logger.Warn("clearing stale credential failed", "error", err)
	}

	// Silent acquisition. A broker that simply has nothing cached is the
	// normal fresh-install case, not an error.
	token, err := m.broker.GetToken(ctx, broker.Request{Scopes: m.opts.RequiredScopes})
	if err != nil {
		msg := ""
		if !errors.Is(err, broker.ErrNoCachedToken) {
			msg = fmt.Sprintf("silent sign-in failed: %v", err)
		}
		m.notifier.publish(State{Error: msg})
		return
	}

	if err := m.completeSignIn(ctx, token); err != nil {
		m.notifier.publish(State{Error: err.Error()})
	}
}

// Login performs an interactive acquisition. It refuses immediately, without
// any network call, returning ErrInProgress when another login or reauth is in
// flight, ErrRateLimited within the minimum inter-attempt interval, and
// ErrTooManyFailures while the circuit breaker is open. A nil return means the
// user is signed in; any other failure has also been published as state.
func (m *Manager) Login(ctx context.Context) error {
	m.mu.Lock()
	if m.loginInFlight || m.reauthInFlight {
		m.mu.Unlock()
		return ErrInProgress
	}
	now := m.now()
	if !m.lastAttempt.IsZero() && now.Sub(m.lastAttempt) < m.opts.MinLoginInterval {
		m.mu.Unlock()
		m.logger.Warn("login rate limited", "since_last", now.Sub(m.lastAttempt))
		return ErrRateLimited
	}
	if m.consecutiveFailures >= m.opts.MaxConsecutiveFailures {
		m.mu.Unlock()
		m.publishUnauthenticated(ErrTooManyFailures.Error())
		return ErrTooManyFailures
	}
	m.loginInFlight = true
	m.lastAttempt = now
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.loginInFlight = false
		m.mu.Unlock()
	}()

	return m.runLogin(ctx)
}

// runLogin is the shared interactive-acquisition path. Callers hold the
// appropriate in-flight flag.
func (m *Manager) runLogin(ctx context.Context) error {
	prev := m.notifier.current()
	m.notifier.publish(State{
		Authenticated: prev.Authenticated,
		Loading:       true,
		Credential:    prev.Credential,
	})

	if err := m.broker.ClearCachedTokens(ctx); err != nil {
		m.logger.Warn("clearing cached tokens failed", "error", err)
	}
	if err := m.sleep(ctx, m.opts.ClearSettleDelay); err != nil {
		m.recordFailure(err.Error())
		return err
	}

	acquireCtx, cancel := context.WithTimeout(ctx, m.opts.AcquireTimeout)
	defer cancel()

	token, err := m.broker.GetToken(acquireCtx, broker.Request{
		Interactive: true,
		Scopes:      m.opts.RequiredScopes,
	})
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			err = ErrTimeout
		case errors.Is(err, broker.ErrConsentDenied):
			// keep as is
		}
		m.recordFailure(fmt.Sprintf("login failed: %v", err))
		return err
	}

	if err := m.completeSignIn(ctx, token); err != nil {
		m.recordFailure(err.Error())
		return err
	}

	m.mu.Lock()
	m.consecutiveFailures = 0
	m.mu.Unlock()
	return nil
}

// completeSignIn validates the freshly acquired token, fetches the profile,
// caches the credential, and publishes authenticated state.
func (m *Manager) completeSignIn(ctx context.Context, token string) error {
	vr := m.validator.Validate(ctx, token, false)
	if !vr.Valid {
		return fmt.Errorf("token validation failed: %s", strings.Join(vr.Errors, "; "))
	}

	profile, err := m.fetchProfile(ctx, token)
	if err != nil {
		return fmt.Errorf("fetch profile: %w", err)
	}

	rec := credstore.Record{
		Subject:     profile.Subject,
		Name:        profile.Name,
		Email:       profile.Email,
		Picture:     profile.Picture,
		AccessToken: token,
		Expiry:      vr.ExpiresAt,
		SavedAt:     m.now(),
	}
	if err := m.store.Save(ctx, rec); err != nil {
		// Persisting is best effort; the session still works from memory.
		m.logger.Warn("persisting credential failed", "error", err)
	}

	m.notifier.publish(State{
		Authenticated: true,
		Credential: &Credential{
			Subject:     profile.Subject,
			Name:        profile.Name,
			Email:       profile.Email,
			Picture:     profile.Picture,
			AccessToken: token,
			Expiry:      vr.ExpiresAt,
		},
	})
	return nil
}

func (m *Manager) fetchProfile(ctx context.Context, token string) (Profile, error) {
	profile, err := m.profiles.Fetch(ctx, token)
	if err == nil {
		return profile, nil
	}

	// Fall back to the ID token from the acquisition, if the broker has one.
	if src, ok := m.broker.(IDTokenSource); ok {
		if idToken := src.LastIDToken(); idToken != "" {
			if p, perr := profileFromIDToken(idToken); perr == nil {
				m.logger.Info("userinfo unavailable, used id token claims", "error", err)
				return p, nil
			}
		}
	}
	return Profile{}, err
}

// ForceReauth performs a full credential reset (revoke, clear every cache and
// store) followed by an interactive login and a permission re-probe. It
// returns ErrInProgress when a login or reauth is already in flight; it is
// deliberately exempt from the rate limit. If not all required permissions are
// confirmed afterwards, a non-fatal warning is published instead of failing.
func (m *Manager) ForceReauth(ctx context.Context) error {
	m.mu.Lock()
	if m.loginInFlight || m.reauthInFlight {
		m.mu.Unlock()
		return ErrInProgress
	}
	m.reauthInFlight = true
	m.lastAttempt = m.now()
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.reauthInFlight = false
		m.mu.Unlock()
	}()

	m.resetCredential(ctx)

	if err := m.runLogin(ctx); err != nil {
		return err
	}

	snap, err := m.CheckAllPermissions(ctx, "")
	if err != nil {
		m.logger.Warn("permission re-probe failed", "error", err)
		return nil
	}
	if !snap.AllRequiredGranted {
		state := m.notifier.current()
		state.Error = "signed in, but some required permissions are still missing"
		m.notifier.publish(state)
	}
	return nil
}

// Logout revokes the current token, clears every cache and store, resets the
// failure counters, and publishes unauthenticated state. Cleanup failures are
// logged but never leave the user locally "logged in".
func (m *Manager) Logout(ctx context.Context) {
	m.resetCredential(ctx)

	m.mu.Lock()
	m.consecutiveFailures = 0
	m.lastAttempt = time.Time{}
	m.mu.Unlock()

	m.notifier.publish(State{})
}

// resetCredential is the shared full-reset path: revoke remotely, clear the
// broker's token cache, the credential store, and the local result caches.
func (m *Manager) resetCredential(ctx context.Context) {
	if cred := m.notifier.current().Credential; cred != nil {
		if err := m.revoke(ctx, cred.AccessToken); err != nil {
			m.logger.Warn("token revocation failed", "error", err)
		}
	}
	if err := m.broker.ClearCachedTokens(ctx); err != nil {
		m.logger.Warn("clearing cached tokens failed", "error", err)
	}
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Warn("clearing credential store failed", "error", err)
	}
	m.validator.InvalidateCache()
	m.permCache.Clear()
}

// revoke tells the provider to invalidate the token.
func (m *Manager) revoke(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.opts.RevokeURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// CheckAllPermissions returns a PermissionSnapshot for the given token (or
// the current credential's token when empty), intersecting introspected
// scopes with live probe outcomes. Results are cached separately from
// validation results.
func (m *Manager) CheckAllPermissions(ctx context.Context, token string) (PermissionSnapshot, error) {
	if token == "" {
		cred := m.notifier.current().Credential
		if cred == nil {
			return PermissionSnapshot{}, ErrNotAuthenticated
		}
		token = cred.AccessToken
	}

	key := tokenPrefix(token)
	if snap, ok := m.permCache.Get(key); ok {
		return snap, nil
	}

	vr := m.validator.Validate(ctx, token, true)
	granted := func(scope string) bool {
		for _, s := range vr.Scopes {
			if s == scope {
				return true
			}
		}
		return false
	}

	results := m.prober.Probe(ctx, token)

	snap := PermissionSnapshot{
		Drive:         granted(probe.ScopeDrive) && results.Drive,
		Sheets:        granted(probe.ScopeSheets) && results.Sheets,
		Calendar:      granted(probe.ScopeCalendar) && results.Calendar,
		LastCheckedAt: m.now(),
	}
	snap.AllRequiredGranted = snap.Drive && snap.Sheets

	m.permCache.Set(key, snap, m.opts.PermissionTTL)
	return snap, nil
}

// Token returns an access token fit for remote calls: the current one when
// still valid, otherwise a silently refreshed replacement. The synchronizer
// is a consumer of auth policy, never a mutator.
func (m *Manager) Token(ctx context.Context) (string, error) {
	cred := m.notifier.current().Credential
	if cred == nil {
		return "", ErrNotAuthenticated
	}

	vr := m.validator.Validate(ctx, cred.AccessToken, true)
	if vr.Valid {
		return cred.AccessToken, nil
	}

	return m.silentRefresh(ctx, cred)
}

// RefreshToken drops the current token and acquires a fresh one silently.
// Used for the single refresh-and-retry cycle after a 401/403-class failure.
func (m *Manager) RefreshToken(ctx context.Context) (string, error) {
	cred := m.notifier.current().Credential
	if cred == nil {
		return "", ErrNotAuthenticated
	}
	if err := m.broker.RemoveCachedToken(ctx, cred.AccessToken); err != nil {
		m.logger.Warn("removing cached token failed", "error", err)
	}
	return m.silentRefresh(ctx, cred)
}

func (m *Manager) silentRefresh(ctx context.Context, cred *Credential) (string, error) {
	token, err := m.broker.GetToken(ctx, broker.Request{Scopes: m.opts.RequiredScopes})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenExpired, err)
	}

	vr := m.validator.Validate(ctx, token, false)
	if !vr.Valid {
		if !vr.HasRequiredScopes {
			return "", ErrInsufficientScope
		}
		return "", fmt.Errorf("%w: %s", ErrTokenExpired, strings.Join(vr.Errors, "; "))
	}

	updated := *cred
	updated.AccessToken = token
	updated.Expiry = vr.ExpiresAt

	rec := credstore.Record{
		Subject:     updated.Subject,
		Name:        updated.Name,
		Email:       updated.Email,
		Picture:     updated.Picture,
		AccessToken: token,
		Expiry:      vr.ExpiresAt,
		SavedAt:     m.now(),
	}
	if err := m.store.Save(ctx, rec); err != nil {
		m.logger.Warn("persisting refreshed credential failed", "error", err)
	}

	m.notifier.publish(State{Authenticated: true, Credential: &updated})
	return token, nil
}

func (m *Manager) recordFailure(msg string) {
	m.mu.Lock()
	m.consecutiveFailures++
	m.mu.Unlock()
	m.publishUnauthenticated(msg)
}

func (m *Manager) publishUnauthenticated(msg string) {
	m.notifier.publish(State{Error: msg})
}
