// Package userstore holds the durable user records behind the signaling
// core: identities, device installs, and friendships. The signaling paths
// only read from it; writes happen when a fresh install attaches.
package userstore

import (
	"context"
	"errors"

	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
)

var ErrNotFound = errors.New("user not found")

// User is the durable profile row, distinct from the ephemeral ConnState.
type User struct {
	ID       types.UserID
	Nickname string
}

// Store is the user storage collaborator. Implemented by Postgres in
// production and Memory in development mode and tests.
type Store interface {
	// Exists reports whether a userId has a durable record.
	Exists(ctx context.Context, uid types.UserID) (bool, error)

	// ByInstall resolves the user bound to a device install, if any.
	ByInstall(ctx context.Context, installID string) (*User, error)

	// UpsertInstall binds an install to uid, creating the user row for a
	// fresh install. When uid is empty a new user id is generated and the
	// resulting user is returned.
	UpsertInstall(ctx context.Context, installID string, uid types.UserID) (*User, error)

	// Nickname returns the display name for uid, or "" when unset.
	Nickname(ctx context.Context, uid types.UserID) (string, error)

	// UpdateNickname sets the display name for uid.
	UpdateNickname(ctx context.Context, uid types.UserID, nickname string) error

	// FriendsOf lists the user ids uid has a friendship edge with.
	FriendsOf(ctx context.Context, uid types.UserID) ([]types.UserID, error)

	// EnsureSchema creates the tables on first boot.
	EnsureSchema(ctx context.Context) error

	// Health reports backend reachability.
	Health(ctx context.Context) error

	Close()
}
