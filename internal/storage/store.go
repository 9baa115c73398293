package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrSessionConflict is returned when creating a session while another one
// is still active or goal-reached.
var ErrSessionConflict = errors.New("storage: another session is active")

// ErrConstraint is returned when a malformed entity is rejected by a store.
var ErrConstraint = errors.New("storage: constraint violation")

// Store represents the root storage interface. Each mutation runs as one
// transaction against the backend; the transaction boundary is the sole
// concurrency guard, so callers never take in-process locks around store calls.
type Store interface {
	Close() error
	Sessions() SessionStore
	Intentions() IntentionStore
	State() StateStore
	Events() *Hub
}

// SessionStore manages focus sessions and their audit actions.
type SessionStore interface {
	// CreateActive persists a new session in active state. The check that no
	// other session is active or goal-reached happens inside the same
	// transaction as the insert, so two racing starts cannot both succeed.
	CreateActive(ctx context.Context, session FocusSession) error
	Get(ctx context.Context, id string) (*FocusSession, error)
	// GetActive returns the session currently in active or goalReached
	// state, or ErrNotFound.
	GetActive(ctx context.Context) (*FocusSession, error)
	List(ctx context.Context) ([]FocusSession, error)
	// Mutate applies fn to the stored session inside one read-modify-write
	// transaction and returns the updated record. If fn returns an error the
	// transaction aborts without writing and the error is returned verbatim.
	Mutate(ctx context.Context, id string, fn func(*FocusSession) error) (*FocusSession, error)
	AppendAction(ctx context.Context, action SessionAction) error
	ListActions(ctx context.Context, sessionID string) ([]SessionAction, error)
}

// IntentionStore manages per-app intention records.
type IntentionStore interface {
	Upsert(ctx context.Context, intention AppIntention) error
	Get(ctx context.Context, id string) (*AppIntention, error)
	GetByPackage(ctx context.Context, pkg string) (*AppIntention, error)
	List(ctx context.Context) ([]AppIntention, error)
	// Mutate applies fn to the stored intention inside one read-modify-write
	// transaction. Quota increments and open/close flag flips go through
	// here so racing callers cannot double-apply an effect.
	Mutate(ctx context.Context, id string, fn func(*AppIntention) error) (*AppIntention, error)
	Delete(ctx context.Context, id string) error
}

// StateStore manages the single player-state record. Get on an empty store
// returns the zero value, never ErrNotFound.
type StateStore interface {
	Get(ctx context.Context) (*PlayerState, error)
	Mutate(ctx context.Context, fn func(*PlayerState) error) (*PlayerState, error)
}
