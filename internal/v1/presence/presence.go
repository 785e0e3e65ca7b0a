// Package presence derives who-is-online/busy and fans the deltas out to
// the people who care: the subject's friends, not the whole connected set.
package presence

import (
	"context"

	"go.uber.org/zap"

	"github.com/maxkolt/livi-app-sub003/internal/v1/bus"
	"github.com/maxkolt/livi-app-sub003/internal/v1/logging"
	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
	"github.com/maxkolt/livi-app-sub003/internal/v1/userstore"
)

// Delta is the per-transition payload.
type Delta struct {
	UserID types.UserID `json:"userId"`
	Busy   bool         `json:"busy"`
}

// Bulk is the whole-online-list payload sent on bind/unbind transitions.
type Bulk struct {
	List []types.UserID `json:"list"`
}

// OnlineLister enumerates distinct online users; implemented by the registry.
type OnlineLister interface {
	OnlineList() []types.UserID
}

// Broadcaster pushes busy/online transitions out to interested sockets.
type Broadcaster struct {
	gw     types.Gateway
	users  userstore.Store
	bus    *bus.Service
	online OnlineLister
}

func New(gw types.Gateway, users userstore.Store, b *bus.Service, online OnlineLister) *Broadcaster {
	return &Broadcaster{gw: gw, users: users, bus: b, online: online}
}

// Broadcast emits a busy/free delta to the subject's own group and each
// friend's group. The fan-out is O(friends), never O(connected).
func (b *Broadcaster) Broadcast(ctx context.Context, uid types.UserID, busy bool) {
	delta := Delta{UserID: uid, Busy: busy}

	targets := []types.UserID{uid}
	friends, err := b.users.FriendsOf(ctx, uid)
	if err != nil {
		// Degraded presence beats no presence: the subject still learns
		// their own state.
		logging.Warn(ctx, "failed to load friends for presence fan-out",
			zap.String("user_id", string(uid)), zap.Error(err))
	} else {
		targets = append(targets, friends...)
	}

	for _, target := range targets {
		b.gw.EmitToRoom(types.UserRoom(target), types.EventPresenceDelta, delta, "")
		_ = b.bus.Publish(ctx, target, types.EventPresenceDelta, delta, "")
	}
}

// BroadcastBulk pushes the full online list to every connected socket.
// Reserved for bind/unbind transitions; busy flips use Broadcast.
func (b *Broadcaster) BroadcastBulk(ctx context.Context) {
	list := b.online.OnlineList()
	if list == nil {
		list = []types.UserID{}
	}
	payload := Bulk{List: list}
	for _, sid := range b.gw.Connections() {
		b.gw.Emit(sid, types.EventPresenceBulk, payload)
	}
}
