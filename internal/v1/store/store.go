// Package store implements the shared queue-store facade backing the
// matchmaking engine: waiting queue, pair table, busy set, per-socket locks,
// pair-bans and timestamps.
//
// Two implementations exist: a Redis-backed one shared across instances and
// an in-process one. The Failover wrapper starts on Redis and flips
// permanently to the in-process maps on the first backend error, degrading
// from "shared across instances" to "single-instance" but never to
// incorrect.
package store

import (
	"context"
	"time"

	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
)

const (
	// LockTTL bounds how long a socket lock can outlive a crashed handler.
	LockTTL = 30 * time.Second

	// DefaultBanWindow is the rematch prohibition installed after a "next".
	DefaultBanWindow = 5 * time.Second

	// timestampTTL ages out per-sid bookkeeping that nothing cleaned up.
	timestampTTL = time.Hour
)

// TimestampKind selects one of the per-sid bookkeeping timestamps.
type TimestampKind string

const (
	TSSearch       TimestampKind = "search"
	TSStart        TimestampKind = "start"
	TSMatchAttempt TimestampKind = "match_attempt"
)

// CleanupReport summarizes what a stale-state sweep removed.
type CleanupReport struct {
	Bans  int
	Locks int
	Pairs int
}

// ConnectedFunc reports whether a sid still has a live socket. The janitor
// passes this in so the store never evicts a live waiting client.
type ConnectedFunc func(types.SID) bool

// Store is the queue-store facade. All operations may suspend on I/O when
// backed by the remote store.
type Store interface {
	// Waiting queue. A sid appears at most once; order is entry order.
	AddToQueue(ctx context.Context, sid types.SID) error
	RemoveFromQueue(ctx context.Context, sid types.SID) error
	IsInQueue(ctx context.Context, sid types.SID) (bool, error)
	WaitingQueue(ctx context.Context) ([]types.SID, error)
	QueueSize(ctx context.Context) (int, error)
	QueueEntryTime(ctx context.Context, sid types.SID) (time.Time, error)

	// Pair table. Symmetric: SetPair(a,b) implies Partner(b) == a.
	SetPair(ctx context.Context, a, b types.SID) error
	Partner(ctx context.Context, sid types.SID) (types.SID, error)
	// RemovePair severs both directions and returns the former partner,
	// or "" when sid was unpaired.
	RemovePair(ctx context.Context, sid types.SID) (types.SID, error)

	// Per-socket match locks, TTL'd so a crashed handler cannot deadlock.
	LockSocket(ctx context.Context, sid types.SID) error
	UnlockSocket(ctx context.Context, sid types.SID) error
	IsLocked(ctx context.Context, sid types.SID) (bool, error)

	// Pair bans. Symmetric and short-lived.
	BanPair(ctx context.Context, a, b types.SID, window time.Duration) error
	IsBannedTogether(ctx context.Context, a, b types.SID) (bool, error)

	// Busy set, keyed by user.
	SetBusy(ctx context.Context, uid types.UserID, busy bool) error
	IsBusy(ctx context.Context, uid types.UserID) (bool, error)

	// Bookkeeping timestamps used for debounce and janitor aging.
	SetTimestamp(ctx context.Context, sid types.SID, kind TimestampKind, t time.Time) error
	Timestamp(ctx context.Context, sid types.SID, kind TimestampKind) (time.Time, error)
	ClearTimestamps(ctx context.Context, sid types.SID) error

	// CleanupStaleQueueEntries drops queue entries older than maxWait whose
	// sid is no longer connected, returning the dropped sids.
	CleanupStaleQueueEntries(ctx context.Context, maxWait time.Duration, isConnected ConnectedFunc) ([]types.SID, error)

	// CleanupStaleStates drops expired bans, locks held by dead sockets and
	// pairs with at least one dead side.
	CleanupStaleStates(ctx context.Context, isConnected ConnectedFunc) (CleanupReport, error)
}

// banKey builds the canonical symmetric key for a pair ban.
func banKey(a, b types.SID) string {
	if b < a {
		a, b = b, a
	}
	return string(a) + ":" + string(b)
}
