package userstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
)

// Memory substitutes for Postgres in development mode and tests.
type Memory struct {
	mu       sync.RWMutex
	users    map[types.UserID]*User
	installs map[string]types.UserID
	friends  map[types.UserID]map[types.UserID]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[types.UserID]*User),
		installs: make(map[string]types.UserID),
		friends:  make(map[types.UserID]map[types.UserID]struct{}),
	}
}

func (m *Memory) Exists(_ context.Context, uid types.UserID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[uid]
	return ok, nil
}

func (m *Memory) ByInstall(_ context.Context, installID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	uid, ok := m.installs[installID]
	if !ok {
		return nil, ErrNotFound
	}
	u := *m.users[uid]
	return &u, nil
}

func (m *Memory) UpsertInstall(_ context.Context, installID string, uid types.UserID) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uid == "" {
		uid = types.UserID(uuid.NewString())
	}
	if _, ok := m.users[uid]; !ok {
		m.users[uid] = &User{ID: uid}
	}
	m.installs[installID] = uid
	u := *m.users[uid]
	return &u, nil
}

func (m *Memory) Nickname(_ context.Context, uid types.UserID) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[uid]; ok {
		return u.Nickname, nil
	}
	return "", nil
}

func (m *Memory) UpdateNickname(_ context.Context, uid types.UserID, nickname string) error {
	m.SetNickname(uid, nickname)
	return nil
}

// SetNickname is the test-seeding variant of UpdateNickname; it creates the
// user row when missing.
func (m *Memory) SetNickname(uid types.UserID, nickname string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[uid]; !ok {
		m.users[uid] = &User{ID: uid}
	}
	m.users[uid].Nickname = nickname
}

// AddFriend records a friendship edge in both directions for tests.
func (m *Memory) AddFriend(a, b types.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.friends[a] == nil {
		m.friends[a] = make(map[types.UserID]struct{})
	}
	m.friends[a][b] = struct{}{}
}

func (m *Memory) FriendsOf(_ context.Context, uid types.UserID) ([]types.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[types.UserID]struct{})
	for f := range m.friends[uid] {
		seen[f] = struct{}{}
	}
	for other, edges := range m.friends {
		if _, ok := edges[uid]; ok {
			seen[other] = struct{}{}
		}
	}
	out := make([]types.UserID, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	return out, nil
}

func (m *Memory) EnsureSchema(context.Context) error { return nil }

func (m *Memory) Health(context.Context) error { return nil }

func (m *Memory) Close() {}

var _ Store = (*Memory)(nil)
