// Package credstore persists the signed-in user's credential between engine
// restarts. The access token is encrypted at rest; a stored record older than
// the freshness ceiling is treated as stale and must be revalidated, never
// trusted blindly.
package credstore

import (
	"context"
	"errors"
	"time"
)

// DefaultFreshness is how long a stored credential may be used without
// revalidation.
const DefaultFreshness = 24 * time.Hour

// ErrNotFound is returned when no credential is stored.
var ErrNotFound = errors.New("credential not found")

// Record is the persisted credential: the identity profile plus the access
// token and the instant it was saved.
type Record struct {
	Subject     string    `json:"subject" dynamodbav:"subject"`
	Name        string    `json:"name" dynamodbav:"name"`
	Email       string    `json:"email" dynamodbav:"email"`
	Picture     string    `json:"picture" dynamodbav:"picture"`
	AccessToken string    `json:"access_token" dynamodbav:"access_token"`
	Expiry      time.Time `json:"expiry" dynamodbav:"expiry"`
	SavedAt     time.Time `json:"saved_at" dynamodbav:"saved_at"`
}

// Stale reports whether the record has passed the freshness ceiling.
func (r Record) Stale(now time.Time, freshness time.Duration) bool {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return now.Sub(r.SavedAt) > freshness
}

// Store persists a single credential record.
type Store interface {
	// Save stores the record, replacing any previous one.
	Save(ctx context.Context, rec Record) error

	// Load returns the stored record, or ErrNotFound.
	Load(ctx context.Context) (Record, error)

	// Clear removes the stored record. Clearing an empty store is not an
	// error.
	Clear(ctx context.Context) error
}
