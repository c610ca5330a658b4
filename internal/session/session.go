// Package session provides the per-browser key-value stores the relying party
// keeps its authentication state in.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable is returned when the session backing a Store is missing,
	// expired or unreachable. It is a configuration error and fatal to the
	// calling flow.
	ErrUnavailable = errors.New("session store unavailable")

	// ErrNotFound is returned by a Backend when a session ID is unknown.
	ErrNotFound = errors.New("session not found")
)

// Store is a key-value view of exactly one user session.
// Every operation is idempotent: Remove on an absent key is a no-op and Get
// reports absence through ok instead of a sentinel value.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Put(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Backend creates and resolves server-side sessions by ID.
type Backend interface {
	// Create allocates a new empty session and returns its ID.
	Create(ctx context.Context) (string, error)

	// Open returns a Store scoped to the session, or ErrNotFound.
	Open(ctx context.Context, id string) (Store, error)

	// Delete destroys the session. Deleting an unknown session is a no-op.
	Delete(ctx context.Context, id string) error
}

// Session is a server-side session held by the in-memory Manager.
type Session struct {
	// ID is a unique identifier for this session (64-char hex string)
	ID string

	// Values holds the session's keys
	Values map[string]string

	// CreatedAt is when this session was created
	CreatedAt time.Time

	// ExpiresAt is when this session will expire
	ExpiresAt time.Time
}
