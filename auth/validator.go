package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/taskdock/taskdock/cache"
)

// DefaultIntrospectURL is the provider's token introspection endpoint.
const DefaultIntrospectURL = "https://oauth2.googleapis.com/tokeninfo"

const (
	// expiryBuffer treats a token as expired once its remaining lifetime
	// drops under this, to avoid races with imminent real expiry.
	expiryBuffer = 5 * time.Minute

	validationCacheTTL = 5 * time.Minute

	// tokenPrefixLen limits how much of a token value is used as a cache
	// key. Full tokens are never used as keys.
	tokenPrefixLen = 16
)

// ValidationResult is the outcome of one token introspection. It is derived
// state: recomputed whenever the cache entry is absent or stale.
type ValidationResult struct {
	Valid             bool
	Expired           bool
	ExpiresAt         time.Time
	HasRequiredScopes bool
	Scopes            []string
	Errors            []string
}

// Validator checks tokens against the remote introspection endpoint and
// caches results for a short TTL, keyed by token prefix.
type Validator struct {
	httpClient     *http.Client
	introspectURL  string
	requiredScopes []string
	cache          *cache.Cache[ValidationResult]
	logger         *slog.Logger
	now            func() time.Time
}

// NewValidator creates a Validator. requiredScopes is the full scope set a
// token must carry to be considered valid.
func NewValidator(httpClient *http.Client, introspectURL string, requiredScopes []string, logger *slog.Logger) *Validator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if introspectURL == "" {
		introspectURL = DefaultIntrospectURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		httpClient:     httpClient,
		introspectURL:  introspectURL,
		requiredScopes: requiredScopes,
		cache:          cache.New[ValidationResult](64),
		logger:         logger,
		now:            time.Now,
	}
}

// introspection is the introspection endpoint's response shape. expires_in
// arrives as a number from some endpoint versions and a string from others.
type introspection struct {
	ExpiresIn flexSeconds `json:"expires_in"`
	Scope     string      `json:"scope"`
	Error     string      `json:"error_description"`
}

// flexSeconds decodes a seconds count sent either as a JSON number or a
// quoted string.
type flexSeconds int64

func (f *flexSeconds) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		return fmt.Errorf("missing expires_in")
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("expires_in %q: %w", s, err)
	}
	*f = flexSeconds(v)
	return nil
}

// Validate introspects the token. It never returns an error: any failure to
// reach or parse the introspection endpoint yields an invalid result with a
// descriptive message.
func (v *Validator) Validate(ctx context.Context, token string, useCache bool) ValidationResult {
	key := tokenPrefix(token)
	if useCache {
		if res, ok := v.cache.Get(key); ok {
			return res
		}
	}

	res := v.introspect(ctx, token)
	v.cache.Set(key, res, validationCacheTTL)
	return res
}

// InvalidateCache drops all cached validation results.
func (v *Validator) InvalidateCache() {
	v.cache.Clear()
}

func (v *Validator) introspect(ctx context.Context, token string) ValidationResult {
	var res ValidationResult

	if token == "" {
		res.Errors = append(res.Errors, "no token provided")
		return res
	}

	u, err := url.Parse(v.introspectURL)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("invalid introspection endpoint: %v", err))
		return res
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("build introspection request: %v", err))
		return res
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("introspection call failed: %v", err))
		return res
	}
	defer resp.Body.Close()

	var info introspection
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("malformed introspection response: %v", err))
		return res
	}

	if resp.StatusCode != http.StatusOK {
		msg := info.Error
		if msg == "" {
			msg = fmt.Sprintf("introspection rejected the token (status %d)", resp.StatusCode)
		}
		res.Errors = append(res.Errors, msg)
		return res
	}

	remaining := int64(info.ExpiresIn)

	now := v.now()
	res.ExpiresAt = now.Add(time.Duration(remaining) * time.Second)
	res.Expired = time.Duration(remaining)*time.Second < expiryBuffer
	if res.Expired {
		res.Errors = append(res.Errors, fmt.Sprintf("token expires in %ds, under the %s buffer", remaining, expiryBuffer))
	}

	res.Scopes = strings.Fields(info.Scope)
	res.HasRequiredScopes = hasAllScopes(res.Scopes, v.requiredScopes)
	if !res.HasRequiredScopes {
		res.Errors = append(res.Errors, "token is missing required scopes")
	}

	res.Valid = !res.Expired && res.HasRequiredScopes
	if !res.Valid {
		v.logger.Warn("token validation failed", "errors", res.Errors)
	}
	return res
}

func hasAllScopes(granted, required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range granted {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func tokenPrefix(token string) string {
	if len(token) <= tokenPrefixLen {
		return token
	}
	return token[:tokenPrefixLen]
}
