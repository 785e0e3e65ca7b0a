// Package registry binds durable user identities to ephemeral sockets and
// maintains the per-user fan-out groups.
package registry

import (
	"context"

	"go.uber.org/zap"

	"github.com/maxkolt/livi-app-sub003/internal/v1/logging"
	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
)

// Registry tracks sid <-> userId bindings and online enumeration.
type Registry struct {
	gw types.Gateway
}

func New(gw types.Gateway) *Registry {
	return &Registry{gw: gw}
}

// BindUser attaches uid to sid. Any other socket already bound to uid is
// force-disconnected first (duplicate-login policy); its own disconnect path
// clears queue/pair/busy state.
func (r *Registry) BindUser(ctx context.Context, sid types.SID, uid types.UserID) {
	for _, other := range types.SIDsOf(r.gw, uid) {
		if other == sid {
			continue
		}
		logging.Info(ctx, "duplicate login, dropping older socket",
			zap.String("user_id", string(uid)), zap.String("old_sid", string(other)))
		r.gw.Disconnect(other)
	}

	r.gw.UpdateState(sid, func(s *types.ConnState) { s.UserID = uid })
	r.gw.JoinRoom(sid, types.UserRoom(uid))
}

// UnbindUser severs the binding without closing the socket.
func (r *Registry) UnbindUser(ctx context.Context, sid types.SID) {
	state, ok := r.gw.State(sid)
	if !ok || !state.Bound() {
		return
	}
	r.gw.LeaveRoom(sid, types.UserRoom(state.UserID))
	r.gw.UpdateState(sid, func(s *types.ConnState) { s.UserID = "" })
}

// UserOf returns the user bound to sid, if any.
func (r *Registry) UserOf(sid types.SID) (types.UserID, bool) {
	state, ok := r.gw.State(sid)
	if !ok || !state.Bound() {
		return "", false
	}
	return state.UserID, true
}

// OnlineList enumerates the distinct userIds with at least one live socket.
func (r *Registry) OnlineList() []types.UserID {
	seen := make(map[types.UserID]struct{})
	var out []types.UserID
	for _, sid := range r.gw.Connections() {
		state, ok := r.gw.State(sid)
		if !ok || !state.Bound() {
			continue
		}
		if _, dup := seen[state.UserID]; dup {
			continue
		}
		seen[state.UserID] = struct{}{}
		out = append(out, state.UserID)
	}
	return out
}

// IsOnline reports whether uid has at least one live socket.
func (r *Registry) IsOnline(uid types.UserID) bool {
	return len(types.SIDsOf(r.gw, uid)) > 0
}
