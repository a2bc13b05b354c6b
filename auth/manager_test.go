package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/taskdock/taskdock/broker"
	"github.com/taskdock/taskdock/credstore"
	"github.com/taskdock/taskdock/probe"
)

var requiredScopes = []string{probe.ScopeDrive, probe.ScopeSheets}

func goodIntrospection() string {
	return fmt.Sprintf(`{"expires_in":3600,"scope":"%s %s"}`, probe.ScopeDrive, probe.ScopeSheets)
}

func expiringIntrospection() string {
	return fmt.Sprintf(`{"expires_in":120,"scope":"%s %s"}`, probe.ScopeDrive, probe.ScopeSheets)
}

type fakeBroker struct {
	mu               sync.Mutex
	token            string
	interactiveErr   error
	silentErr        error
	interactiveCalls int
	silentCalls      int
	clearCalls       int
	removeCalls      int

	// when set, interactive acquisition signals started and blocks on release
	started chan struct{}
	release chan struct{}
}

func (b *fakeBroker) GetToken(ctx context.Context, req broker.Request) (string, error) {
	b.mu.Lock()
	if req.Interactive {
		b.interactiveCalls++
	} else {
		b.silentCalls++
	}
	token := b.token
	err := b.silentErr
	if req.Interactive {
		err = b.interactiveErr
	}
	started, release := b.started, b.release
	b.mu.Unlock()

	if req.Interactive && started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if req.Interactive && release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

func (b *fakeBroker) ClearCachedTokens(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearCalls++
	return nil
}

func (b *fakeBroker) RemoveCachedToken(context.Context, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeCalls++
	return nil
}

func (b *fakeBroker) counts() (interactive, silent int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interactiveCalls, b.silentCalls
}

type fakeProber struct {
	mu      sync.Mutex
	results probe.Results
	calls   int
}

func (p *fakeProber) Probe(context.Context, string) probe.Results {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.results
}

type fakeProfiles struct {
	profile Profile
	err     error
}

func (f *fakeProfiles) Fetch(context.Context, string) (Profile, error) {
	return f.profile, f.err
}

type fixture struct {
	m          *Manager
	broker     *fakeBroker
	store      *credstore.MemoryStore
	introspect *introspectServer
	prober     *fakeProber
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	introspect := &introspectServer{responses: map[string]string{}}
	validator := newTestValidator(t, introspect, requiredScopes)

	revokeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(revokeSrv.Close)

	b := &fakeBroker{token: "fresh-token"}
	store := credstore.NewMemoryStore()
	prober := &fakeProber{results: probe.Results{Drive: true, Sheets: true, Calendar: true}}

	opts.RequiredScopes = requiredScopes
	if opts.RevokeURL == "" {
		opts.RevokeURL = revokeSrv.URL
	}

	m := NewManager(Deps{
		Broker:    b,
		Validator: validator,
		Prober:    prober,
		Store:     store,
		Profiles:  &fakeProfiles{profile: Profile{Subject: "user-1", Name: "Alex", Email: "alex@example.com"}},
		Logger:    slog.New(slog.DiscardHandler),
	}, opts)
	m.sleep = func(context.Context, time.Duration) error { return nil }

	return &fixture{m: m, broker: b, store: store, introspect: introspect, prober: prober}
}

func TestInitialize_FreshInstall(t *testing.T) {
	f := newFixture(t, Options{})
	f.broker.silentErr = broker.ErrNoCachedToken

	f.m.Initialize(context.Background())

	state := f.m.CurrentState()
	if state.Authenticated || state.Loading {
		t.Errorf("state = %+v, want unauthenticated and not loading", state)
	}
	if state.Error != "" {
		t.Errorf("Error = %q, want empty (nothing cached is the normal fresh-install case)", state.Error)
	}
	if _, silent := f.broker.counts(); silent != 1 {
		t.Errorf("silent acquisitions = %d, want 1", silent)
	}
}

func TestInitialize_ValidStoredCredential(t *testing.T) {
	f := newFixture(t, Options{})
	f.introspect.responses["stored-tok"] = goodIntrospection()
	f.store.Save(context.Background(), credstore.Record{
		Subject:     "user-1",
		Name:        "Alex",
		AccessToken: "stored-tok",
		SavedAt:     time.Now(),
	})

	f.m.Initialize(context.Background())

	state := f.m.CurrentState()
	if !state.Authenticated {
		t.Fatalf("state = %+v, want authenticated", state)
	}
	if state.Credential.AccessToken != "stored-tok" {
		t.Errorf("AccessToken = %q", state.Credential.AccessToken)
	}
	if interactive, silent := f.broker.counts(); interactive != 0 || silent != 0 {
		t.Errorf("broker calls = %d/%d, want none for a valid stored credential", interactive, silent)
	}
}

func TestInitialize_ExpiredStoredCredentialAttemptsSilentLogin(t *testing.T) {
	f := newFixture(t, Options{})
	// 120 seconds remaining is under the expiry buffer.
	f.introspect.responses["stored-tok"] = expiringIntrospection()
	f.broker.silentErr = broker.ErrNoCachedToken
	f.store.Save(context.Background(), credstore.Record{
		Subject:     "user-1",
		AccessToken: "stored-tok",
		SavedAt:     time.Now(),
	})

	f.m.Initialize(context.Background())

	if _, err := f.store.Load(context.Background()); !errors.Is(err, credstore.ErrNotFound) {
		t.Errorf("store.Load() error = %v, want ErrNotFound after clearing", err)
	}
	if _, silent := f.broker.counts(); silent != 1 {
		t.Errorf("silent acquisitions = %d, want 1", silent)
	}
	if state := f.m.CurrentState(); state.Authenticated {
		t.Errorf("state = %+v, want unauthenticated", state)
	}
}

func TestInitialize_StaleStoredCredentialNotTrusted(t *testing.T) {
	f := newFixture(t, Options{})
	f.introspect.responses["stored-tok"] = goodIntrospection()
	f.broker.silentErr = broker.ErrNoCachedToken
	f.store.Save(context.Background(), credstore.Record{
		Subject:     "user-1",
		AccessToken: "stored-tok",
		SavedAt:     time.Now().Add(-25 * time.Hour),
	})

	f.m.Initialize(context.Background())

	if state := f.m.CurrentState(); state.Authenticated {
		t.Error("a credential past its freshness ceiling must not be trusted blindly")
	}
}

func TestLogin_Success(t *testing.T) {
	f := newFixture(t, Options{})
	f.introspect.responses["fresh-token"] = goodIntrospection()

	if err := f.m.Login(context.Background()); err != nil {
		t.Fatalf("Login() error = %v, state = %+v", err, f.m.CurrentState())
	}

	state := f.m.CurrentState()
	if !state.Authenticated || state.Loading {
		t.Fatalf("state = %+v", state)
	}
	if state.Credential.Subject != "user-1" {
		t.Errorf("Subject = %q", state.Credential.Subject)
	}

	rec, err := f.store.Load(context.Background())
	if err != nil {
		t.Fatalf("store.Load() error = %v", err)
	}
	if rec.AccessToken != "fresh-token" {
		t.Errorf("stored token = %q", rec.AccessToken)
	}
	if f.broker.clearCalls == 0 {
		t.Error("login must clear previously cached provider tokens first")
	}
}

func TestLogin_SecondConcurrentCallInProgress(t *testing.T) {
	f := newFixture(t, Options{})
	f.introspect.responses["fresh-token"] = goodIntrospection()
	f.broker.started = make(chan struct{}, 1)
	f.broker.release = make(chan struct{})

	first := make(chan error)
	go func() { first <- f.m.Login(context.Background()) }()
	<-f.broker.started

	if err := f.m.Login(context.Background()); !errors.Is(err, ErrInProgress) {
		t.Errorf("second concurrent Login() error = %v, want ErrInProgress", err)
	}
	if interactive, _ := f.broker.counts(); interactive != 1 {
		t.Errorf("interactive acquisitions = %d, want 1 (second call must make no network call)", interactive)
	}

	close(f.broker.release)
	if err := <-first; err != nil {
		t.Errorf("first Login() error = %v", err)
	}
}

func TestLogin_RateLimited(t *testing.T) {
	f := newFixture(t, Options{MinLoginInterval: time.Hour})
	f.introspect.responses["fresh-token"] = goodIntrospection()

	if err := f.m.Login(context.Background()); err != nil {
		t.Fatalf("first Login() error = %v", err)
	}
	if err := f.m.Login(context.Background()); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Login() within the minimum interval error = %v, want ErrRateLimited", err)
	}
	if interactive, _ := f.broker.counts(); interactive != 1 {
		t.Errorf("interactive acquisitions = %d, want 1", interactive)
	}
}

func TestLogin_CircuitBreaker(t *testing.T) {
	f := newFixture(t, Options{MaxConsecutiveFailures: 2})
	f.broker.interactiveErr = broker.ErrConsentDenied

	// Advance the clock past the rate limit on every login attempt.
	clock := time.Now()
	f.m.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	for i := 0; i < 2; i++ {
		if err := f.m.Login(context.Background()); !errors.Is(err, broker.ErrConsentDenied) {
			t.Fatalf("Login() attempt %d error = %v, want ErrConsentDenied", i+1, err)
		}
	}

	if err := f.m.Login(context.Background()); !errors.Is(err, ErrTooManyFailures) {
		t.Errorf("Login() with open circuit breaker error = %v, want ErrTooManyFailures", err)
	}
	if interactive, _ := f.broker.counts(); interactive != 2 {
		t.Errorf("interactive acquisitions = %d, want 2 (breaker must block the third)", interactive)
	}
	if state := f.m.CurrentState(); state.Error != ErrTooManyFailures.Error() {
		t.Errorf("Error = %q, want %q", state.Error, ErrTooManyFailures)
	}
}

func TestLogin_AcquisitionTimeout(t *testing.T) {
	f := newFixture(t, Options{AcquireTimeout: 20 * time.Millisecond})
	f.broker.release = make(chan struct{}) // never released

	if err := f.m.Login(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Errorf("Login() error = %v, want ErrTimeout", err)
	}
	if state := f.m.CurrentState(); !strings.Contains(state.Error, ErrTimeout.Error()) {
		t.Errorf("Error = %q, want it to mention the timeout", state.Error)
	}
}

func TestLogout_AlwaysPublishesUnauthenticated(t *testing.T) {
	failingRevoke := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failingRevoke.Close()

	f := newFixture(t, Options{RevokeURL: failingRevoke.URL})
	f.introspect.responses["fresh-token"] = goodIntrospection()
	if err := f.m.Login(context.Background()); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	f.m.Logout(context.Background())

	state := f.m.CurrentState()
	if state.Authenticated || state.Credential != nil || state.Error != "" {
		t.Errorf("state after logout = %+v, want the zero state even when revocation fails", state)
	}
	if _, err := f.store.Load(context.Background()); !errors.Is(err, credstore.ErrNotFound) {
		t.Errorf("store.Load() error = %v, want ErrNotFound", err)
	}
}

func TestForceReauth_WarnsWhenPermissionsMissing(t *testing.T) {
	f := newFixture(t, Options{})
	f.introspect.responses["fresh-token"] = goodIntrospection()
	f.prober.results = probe.Results{Drive: true, Sheets: false}

	if err := f.m.ForceReauth(context.Background()); err != nil {
		t.Fatalf("ForceReauth() error = %v", err)
	}

	state := f.m.CurrentState()
	if !state.Authenticated {
		t.Fatalf("state = %+v, want authenticated (missing permissions are non-fatal)", state)
	}
	if state.Error == "" {
		t.Error("want a published warning about missing permissions")
	}
}

func TestSubscribe_ImmediateDeliveryAndUnsubscribe(t *testing.T) {
	f := newFixture(t, Options{})

	var (
		mu     sync.Mutex
		states []State
	)
	unsubscribe := f.m.Subscribe(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	mu.Lock()
	if len(states) != 1 {
		t.Fatalf("listener received %d states on subscribe, want 1 (current state immediately)", len(states))
	}
	mu.Unlock()

	unsubscribe()
	f.m.Logout(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 1 {
		t.Errorf("listener received %d states after unsubscribe, want 1", len(states))
	}
}

func TestToken_RefreshesWhenCurrentInvalid(t *testing.T) {
	f := newFixture(t, Options{})
	f.introspect.responses["old-tok"] = expiringIntrospection()
	f.introspect.responses["fresh-token"] = goodIntrospection()
	f.m.notifier.publish(State{Authenticated: true, Credential: &Credential{Subject: "user-1", AccessToken: "old-tok"}})

	token, err := f.m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token != "fresh-token" {
		t.Errorf("Token() = %q, want the refreshed token", token)
	}
	if state := f.m.CurrentState(); state.Credential.AccessToken != "fresh-token" {
		t.Errorf("published credential token = %q", state.Credential.AccessToken)
	}
}

func TestRefreshToken_InsufficientScope(t *testing.T) {
	f := newFixture(t, Options{})
	f.broker.token = "narrow-tok"
	f.introspect.responses["narrow-tok"] = fmt.Sprintf(`{"expires_in":3600,"scope":"%s"}`, probe.ScopeDrive)
	f.m.notifier.publish(State{Authenticated: true, Credential: &Credential{Subject: "user-1", AccessToken: "old-tok"}})

	_, err := f.m.RefreshToken(context.Background())
	if !errors.Is(err, ErrInsufficientScope) {
		t.Errorf("RefreshToken() error = %v, want ErrInsufficientScope", err)
	}
	if f.broker.removeCalls != 1 {
		t.Errorf("removed cached tokens = %d, want 1", f.broker.removeCalls)
	}
}

func TestToken_NotAuthenticated(t *testing.T) {
	f := newFixture(t, Options{})
	if _, err := f.m.Token(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Token() error = %v, want ErrNotAuthenticated", err)
	}
}

func TestCheckAllPermissions_ScopeClaimAloneIsNotEnough(t *testing.T) {
	f := newFixture(t, Options{})
	// Introspection claims every scope, but the live sheets probe fails.
	f.introspect.responses["tok"] = fmt.Sprintf(`{"expires_in":3600,"scope":"%s %s %s"}`,
		probe.ScopeDrive, probe.ScopeSheets, probe.ScopeCalendar)
	f.prober.results = probe.Results{Drive: true, Sheets: false, Calendar: true}

	snap, err := f.m.CheckAllPermissions(context.Background(), "tok")
	if err != nil {
		t.Fatalf("CheckAllPermissions() error = %v", err)
	}
	if snap.Sheets {
		t.Error("Sheets = true without a live probe success")
	}
	if snap.AllRequiredGranted {
		t.Error("AllRequiredGranted = true with a required probe failing")
	}
	if !snap.Drive || !snap.Calendar {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestCheckAllPermissions_CachesSnapshot(t *testing.T) {
	f := newFixture(t, Options{})
	f.introspect.responses["tok"] = goodIntrospection()

	if _, err := f.m.CheckAllPermissions(context.Background(), "tok"); err != nil {
		t.Fatalf("CheckAllPermissions() error = %v", err)
	}
	if _, err := f.m.CheckAllPermissions(context.Background(), "tok"); err != nil {
		t.Fatalf("second CheckAllPermissions() error = %v", err)
	}

	f.prober.mu.Lock()
	calls := f.prober.calls
	f.prober.mu.Unlock()
	if calls != 1 {
		t.Errorf("probe calls = %d, want 1 (snapshot cached)", calls)
	}
}
