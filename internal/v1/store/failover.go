package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/maxkolt/livi-app-sub003/internal/v1/logging"
	"github.com/maxkolt/livi-app-sub003/internal/v1/metrics"
	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
)

// Failover serves from the remote store until the first backend error, then
// flips to the in-process store for the remainder of the process lifetime.
// The switch is logged once; correctness degrades from shared to
// single-instance, never to incorrect.
type Failover struct {
	remote   Store
	local    *Memory
	fellBack atomic.Bool
	logOnce  sync.Once
}

// NewFailover wraps remote with a fresh in-process fallback.
func NewFailover(remote Store) *Failover {
	return &Failover{remote: remote, local: NewMemory()}
}

// Mode reports which backend currently serves requests.
func (f *Failover) Mode() string {
	if f.fellBack.Load() {
		return "memory"
	}
	return "redis"
}

func (f *Failover) trip(err error) {
	f.fellBack.Store(true)
	f.logOnce.Do(func() {
		metrics.StoreMode.Set(1)
		logging.Error(context.Background(),
			"queue store backend failed, falling back to in-process maps for the remainder of this process",
			zap.Error(err))
	})
}

// run executes op against the active backend, tripping the fallback on a
// remote error and retrying the operation against the local maps.
func run[T any](f *Failover, op func(Store) (T, error)) (T, error) {
	if !f.fellBack.Load() {
		v, err := op(f.remote)
		if err == nil {
			return v, nil
		}
		f.trip(err)
	}
	return op(f.local)
}

func (f *Failover) AddToQueue(ctx context.Context, sid types.SID) error {
	_, err := run(f, func(s Store) (struct{}, error) {
		return struct{}{}, s.AddToQueue(ctx, sid)
	})
	return err
}

func (f *Failover) RemoveFromQueue(ctx context.Context, sid types.SID) error {
	_, err := run(f, func(s Store) (struct{}, error) {
		return struct{}{}, s.RemoveFromQueue(ctx, sid)
	})
	return err
}

func (f *Failover) IsInQueue(ctx context.Context, sid types.SID) (bool, error) {
	return run(f, func(s Store) (bool, error) { return s.IsInQueue(ctx, sid) })
}

func (f *Failover) WaitingQueue(ctx context.Context) ([]types.SID, error) {
	return run(f, func(s Store) ([]types.SID, error) { return s.WaitingQueue(ctx) })
}

func (f *Failover) QueueSize(ctx context.Context) (int, error) {
	return run(f, func(s Store) (int, error) { return s.QueueSize(ctx) })
}

func (f *Failover) QueueEntryTime(ctx context.Context, sid types.SID) (time.Time, error) {
	return run(f, func(s Store) (time.Time, error) { return s.QueueEntryTime(ctx, sid) })
}

func (f *Failover) SetPair(ctx context.Context, a, b types.SID) error {
	_, err := run(f, func(s Store) (struct{}, error) {
		return struct{}{}, s.SetPair(ctx, a, b)
	})
	return err
}

func (f *Failover) Partner(ctx context.Context, sid types.SID) (types.SID, error) {
	return run(f, func(s Store) (types.SID, error) { return s.Partner(ctx, sid) })
}

func (f *Failover) RemovePair(ctx context.Context, sid types.SID) (types.SID, error) {
	return run(f, func(s Store) (types.SID, error) { return s.RemovePair(ctx, sid) })
}

func (f *Failover) LockSocket(ctx context.Context, sid types.SID) error {
	_, err := run(f, func(s Store) (struct{}, error) {
		return struct{}{}, s.LockSocket(ctx, sid)
	})
	return err
}

func (f *Failover) UnlockSocket(ctx context.Context, sid types.SID) error {
	_, err := run(f, func(s Store) (struct{}, error) {
		return struct{}{}, s.UnlockSocket(ctx, sid)
	})
	return err
}

func (f *Failover) IsLocked(ctx context.Context, sid types.SID) (bool, error) {
	return run(f, func(s Store) (bool, error) { return s.IsLocked(ctx, sid) })
}

func (f *Failover) BanPair(ctx context.Context, a, b types.SID, window time.Duration) error {
	_, err := run(f, func(s Store) (struct{}, error) {
		return struct{}{}, s.BanPair(ctx, a, b, window)
	})
	return err
}

func (f *Failover) IsBannedTogether(ctx context.Context, a, b types.SID) (bool, error) {
	return run(f, func(s Store) (bool, error) { return s.IsBannedTogether(ctx, a, b) })
}

func (f *Failover) SetBusy(ctx context.Context, uid types.UserID, busy bool) error {
	_, err := run(f, func(s Store) (struct{}, error) {
		return struct{}{}, s.SetBusy(ctx, uid, busy)
	})
	return err
}

func (f *Failover) IsBusy(ctx context.Context, uid types.UserID) (bool, error) {
	return run(f, func(s Store) (bool, error) { return s.IsBusy(ctx, uid) })
}

func (f *Failover) SetTimestamp(ctx context.Context, sid types.SID, kind TimestampKind, t time.Time) error {
	_, err := run(f, func(s Store) (struct{}, error) {
		return struct{}{}, s.SetTimestamp(ctx, sid, kind, t)
	})
	return err
}

func (f *Failover) Timestamp(ctx context.Context, sid types.SID, kind TimestampKind) (time.Time, error) {
	return run(f, func(s Store) (time.Time, error) { return s.Timestamp(ctx, sid, kind) })
}

func (f *Failover) ClearTimestamps(ctx context.Context, sid types.SID) error {
	_, err := run(f, func(s Store) (struct{}, error) {
		return struct{}{}, s.ClearTimestamps(ctx, sid)
	})
	return err
}

func (f *Failover) CleanupStaleQueueEntries(ctx context.Context, maxWait time.Duration, isConnected ConnectedFunc) ([]types.SID, error) {
	return run(f, func(s Store) ([]types.SID, error) {
		return s.CleanupStaleQueueEntries(ctx, maxWait, isConnected)
	})
}

func (f *Failover) CleanupStaleStates(ctx context.Context, isConnected ConnectedFunc) (CleanupReport, error) {
	return run(f, func(s Store) (CleanupReport, error) {
		return s.CleanupStaleStates(ctx, isConnected)
	})
}

var _ Store = (*Failover)(nil)
