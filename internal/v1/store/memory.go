package store

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
	"k8s.io/utils/set"

	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
)

// Memory is the in-process queue store. It is the fallback target of the
// Failover wrapper and the primary store when no Redis endpoint is
// configured. Safe for concurrent use.
type Memory struct {
	mu sync.Mutex

	queue      []types.SID
	entryTimes map[types.SID]time.Time
	pairs      map[types.SID]types.SID
	locks      map[types.SID]time.Time // expiry
	bans       map[string]time.Time    // banKey -> expiry
	busy       set.Set[types.UserID]
	timestamps map[types.SID]map[TimestampKind]time.Time

	clock clock.PassiveClock
}

// NewMemory returns an empty in-process store using the real clock.
func NewMemory() *Memory {
	return NewMemoryWithClock(clock.RealClock{})
}

// NewMemoryWithClock allows tests to control TTL expiry.
func NewMemoryWithClock(c clock.PassiveClock) *Memory {
	return &Memory{
		entryTimes: make(map[types.SID]time.Time),
		pairs:      make(map[types.SID]types.SID),
		locks:      make(map[types.SID]time.Time),
		bans:       make(map[string]time.Time),
		busy:       set.New[types.UserID](),
		timestamps: make(map[types.SID]map[TimestampKind]time.Time),
		clock:      c,
	}
}

func (m *Memory) AddToQueue(_ context.Context, sid types.SID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entryTimes[sid]; ok {
		return nil
	}
	m.queue = append(m.queue, sid)
	m.entryTimes[sid] = m.clock.Now()
	return nil
}

func (m *Memory) RemoveFromQueue(_ context.Context, sid types.SID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeFromQueueLocked(sid)
	return nil
}

func (m *Memory) removeFromQueueLocked(sid types.SID) {
	if _, ok := m.entryTimes[sid]; !ok {
		return
	}
	delete(m.entryTimes, sid)
	for i, s := range m.queue {
		if s == sid {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
}

func (m *Memory) IsInQueue(_ context.Context, sid types.SID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entryTimes[sid]
	return ok, nil
}

func (m *Memory) WaitingQueue(_ context.Context) ([]types.SID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.SID, len(m.queue))
	copy(out, m.queue)
	return out, nil
}

func (m *Memory) QueueSize(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue), nil
}

func (m *Memory) QueueEntryTime(_ context.Context, sid types.SID) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entryTimes[sid], nil
}

func (m *Memory) SetPair(_ context.Context, a, b types.SID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs[a] = b
	m.pairs[b] = a
	return nil
}

func (m *Memory) Partner(_ context.Context, sid types.SID) (types.SID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pairs[sid], nil
}

func (m *Memory) RemovePair(_ context.Context, sid types.SID) (types.SID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	other, ok := m.pairs[sid]
	if !ok {
		return "", nil
	}
	delete(m.pairs, sid)
	delete(m.pairs, other)
	return other, nil
}

func (m *Memory) LockSocket(_ context.Context, sid types.SID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[sid] = m.clock.Now().Add(LockTTL)
	return nil
}

func (m *Memory) UnlockSocket(_ context.Context, sid types.SID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, sid)
	return nil
}

func (m *Memory) IsLocked(_ context.Context, sid types.SID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.locks[sid]
	if !ok {
		return false, nil
	}
	if m.clock.Now().After(expiry) {
		delete(m.locks, sid)
		return false, nil
	}
	return true, nil
}

func (m *Memory) BanPair(_ context.Context, a, b types.SID, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bans[banKey(a, b)] = m.clock.Now().Add(window)
	return nil
}

func (m *Memory) IsBannedTogether(_ context.Context, a, b types.SID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := banKey(a, b)
	expiry, ok := m.bans[key]
	if !ok {
		return false, nil
	}
	if m.clock.Now().After(expiry) {
		delete(m.bans, key)
		return false, nil
	}
	return true, nil
}

func (m *Memory) SetBusy(_ context.Context, uid types.UserID, busy bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if busy {
		m.busy.Insert(uid)
	} else {
		m.busy.Delete(uid)
	}
	return nil
}

func (m *Memory) IsBusy(_ context.Context, uid types.UserID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy.Has(uid), nil
}

func (m *Memory) SetTimestamp(_ context.Context, sid types.SID, kind TimestampKind, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.timestamps[sid]
	if !ok {
		ts = make(map[TimestampKind]time.Time)
		m.timestamps[sid] = ts
	}
	ts[kind] = t
	return nil
}

func (m *Memory) Timestamp(_ context.Context, sid types.SID, kind TimestampKind) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timestamps[sid][kind], nil
}

func (m *Memory) ClearTimestamps(_ context.Context, sid types.SID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.timestamps, sid)
	return nil
}

func (m *Memory) CleanupStaleQueueEntries(_ context.Context, maxWait time.Duration, isConnected ConnectedFunc) ([]types.SID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock.Now().Add(-maxWait)
	var dropped []types.SID
	for _, sid := range m.queue {
		// Never evict a live waiting client, no matter how old the entry.
		if m.entryTimes[sid].Before(cutoff) && !isConnected(sid) {
			dropped = append(dropped, sid)
		}
	}
	for _, sid := range dropped {
		m.removeFromQueueLocked(sid)
	}
	return dropped, nil
}

func (m *Memory) CleanupStaleStates(_ context.Context, isConnected ConnectedFunc) (CleanupReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var report CleanupReport
	now := m.clock.Now()

	for key, expiry := range m.bans {
		if now.After(expiry) {
			delete(m.bans, key)
			report.Bans++
		}
	}

	for sid, expiry := range m.locks {
		if now.After(expiry) || !isConnected(sid) {
			delete(m.locks, sid)
			report.Locks++
		}
	}

	for sid, other := range m.pairs {
		if sid < other && (!isConnected(sid) || !isConnected(other)) {
			delete(m.pairs, sid)
			delete(m.pairs, other)
			report.Pairs++
		}
	}

	return report, nil
}

var _ Store = (*Memory)(nil)
