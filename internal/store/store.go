// Package store defines the durable identity and friend-graph backend.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Identity is the durable record behind a user. DisplayName may be empty
// until the user names themselves.
type Identity struct {
	ID          string
	DisplayName string
}

// Friend is one friend-list entry with the friend's last known name.
type Friend struct {
	ID          string
	DisplayName string
}

// Store persists identities and the symmetric friend graph. Edge mutations
// always touch both directions inside a single transaction.
type Store interface {
	LoadIdentity(ctx context.Context, id string) (Identity, error)
	SaveIdentity(ctx context.Context, rec Identity) error
	AddFriendEdge(ctx context.Context, a, b string) error
	RemoveFriendEdge(ctx context.Context, a, b string) error
	LoadFriends(ctx context.Context, id string) ([]Friend, error)
	Close() error
}
