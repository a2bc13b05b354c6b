package tasksync

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAuthRequired is returned when the remote API rejects the token
	// outright (401-class).
	ErrAuthRequired = errors.New("authentication required")

	// ErrPermissionDenied is returned when the token lacks access to the
	// resource (403-class).
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound is returned when the remote record is missing on update
	// or delete.
	ErrNotFound = errors.New("task not found")

	// ErrRemoteValidation is returned when the remote API rejects the
	// payload itself, e.g. an oversized field. The codec is supposed to
	// make this impossible, so it is logged as a local bug.
	ErrRemoteValidation = errors.New("payload rejected by remote API")

	// ErrNetwork is returned when the remote API could not be reached.
	ErrNetwork = errors.New("network error")
)

// Kind names an error class surfaced to callers.
type Kind string

const (
	KindAuthRequired     Kind = "auth_required"
	KindPermissionDenied Kind = "permission_denied"
	KindNetwork          Kind = "network_error"
	KindValidation       Kind = "validation_error"
	KindNotFound         Kind = "not_found"
	KindUnknown          Kind = "unknown_error"
)

// Classify maps an error returned by a Backend or the Synchronizer to its
// Kind. A nil error has no kind.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrAuthRequired):
		return KindAuthRequired
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrRemoteValidation), errors.Is(err, ErrLocalValidation):
		return KindValidation
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	default:
		return KindUnknown
	}
}

// ErrLocalValidation is returned when a pre-flight check fails before any
// network call is made.
var ErrLocalValidation = errors.New("local validation failed")

// RemoteTask is the provider's record shape: a short title, one bounded
// free-text field carrying the codec payload, a due instant and a binary
// completion flag.
type RemoteTask struct {
	ID        string
	Title     string
	Notes     string
	Due       time.Time
	Completed bool
	Updated   time.Time
}

// Backend is the remote task API. Records live under named collections.
type Backend interface {
	List(ctx context.Context, collectionID string) ([]RemoteTask, error)
	Create(ctx context.Context, collectionID string, t RemoteTask) (RemoteTask, error)
	Patch(ctx context.Context, collectionID, taskID string, t RemoteTask) (RemoteTask, error)
	Delete(ctx context.Context, collectionID, taskID string) error
}

// BackendProvider builds a Backend bound to an access token. Tokens rotate
// across refreshes, so the Synchronizer asks for a fresh Backend per call.
type BackendProvider interface {
	Backend(ctx context.Context, token string) (Backend, error)
}
