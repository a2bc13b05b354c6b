package auth

import "errors"

var (
	// ErrTimeout is returned when token acquisition exceeds the hard
	// acquisition timeout.
	ErrTimeout = errors.New("authentication timed out")

	// ErrRateLimited is returned when login attempts arrive faster than the
	// minimum inter-attempt interval allows.
	ErrRateLimited = errors.New("login attempted too soon after the previous attempt")

	// ErrTooManyFailures is returned when the consecutive-failure circuit
	// breaker is open; the caller should try again later.
	ErrTooManyFailures = errors.New("too many consecutive login failures, try again later")

	// ErrInProgress is returned when a login or reauth is already in flight.
	ErrInProgress = errors.New("authentication already in progress")

	// ErrTokenExpired is returned when the current token is past (or within
	// the safety buffer of) its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrInsufficientScope is returned when the token does not carry every
	// required scope, after one refresh-and-retry cycle.
	ErrInsufficientScope = errors.New("token is missing required scopes")

	// ErrNotAuthenticated is returned when an operation needs a signed-in
	// user and there is none.
	ErrNotAuthenticated = errors.New("not authenticated")
)
