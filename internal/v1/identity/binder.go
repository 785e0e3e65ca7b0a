// Package identity resolves handshake credentials to a durable user and
// binds them to the socket, and serves the identity:attach / reauth /
// attach_user / whoami events.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/maxkolt/livi-app-sub003/internal/v1/bus"
	"github.com/maxkolt/livi-app-sub003/internal/v1/logging"
	"github.com/maxkolt/livi-app-sub003/internal/v1/presence"
	"github.com/maxkolt/livi-app-sub003/internal/v1/registry"
	"github.com/maxkolt/livi-app-sub003/internal/v1/transport"
	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
	"github.com/maxkolt/livi-app-sub003/internal/v1/userstore"
)

// Router is the subset of the transport gateway the binder registers with.
type Router interface {
	Handle(event string, h transport.HandlerFunc)
	OnConnect(transport.ConnectHook)
	OnDisconnect(transport.DisconnectHook)
}

// Binder resolves handshakes to users. It also owns the per-user bus subscriptions:
// the first local socket bound to a user opens the relay, the last one
// closes it.
type Binder struct {
	gw        types.Gateway
	reg       *registry.Registry
	users     userstore.Store
	bus       *bus.Service
	presence  *presence.Broadcaster
	handshake func(types.SID) url.Values

	mu   sync.Mutex
	subs map[types.UserID]context.CancelFunc
	wg   sync.WaitGroup
}

func New(gw types.Gateway, reg *registry.Registry, users userstore.Store, b *bus.Service, pres *presence.Broadcaster, handshake func(types.SID) url.Values) *Binder {
	return &Binder{
		gw:        gw,
		reg:       reg,
		users:     users,
		bus:       b,
		presence:  pres,
		handshake: handshake,
		subs:      make(map[types.UserID]context.CancelFunc),
	}
}

// Register wires the binder into the gateway.
func (b *Binder) Register(r Router) {
	r.OnConnect(b.handleConnect)
	r.OnDisconnect(b.handleDisconnect)
	r.Handle(types.EventIdentityAttach, b.HandleAttach)
	r.Handle(types.EventReauth, b.HandleReauth)
	r.Handle(types.EventAttachUser, b.HandleAttachUser)
	r.Handle(types.EventWhoami, b.HandleWhoami)
	r.Handle("profile:me", b.HandleProfileMe)
	r.Handle("profile:update", b.HandleProfileUpdate)
}

// handleConnect resolves the handshake in order: a known userId binds
// directly, else a known installId binds its owning user, else the socket
// stays a guest.
func (b *Binder) handleConnect(sid types.SID) {
	ctx := logging.WithSID(context.Background(), string(sid))
	q := b.handshake(sid)
	if q == nil {
		return
	}

	if raw := q.Get("userId"); raw != "" {
		uid := types.UserID(raw)
		exists, err := b.users.Exists(ctx, uid)
		if err != nil {
			logging.Warn(ctx, "handshake user lookup failed", zap.Error(err))
		} else if exists {
			b.bind(ctx, sid, uid)
			return
		}
	}

	if installID := q.Get("installId"); installID != "" {
		u, err := b.users.ByInstall(ctx, installID)
		if err != nil {
			if !errors.Is(err, userstore.ErrNotFound) {
				logging.Warn(ctx, "handshake install lookup failed", zap.Error(err))
			}
			return
		}
		b.bind(ctx, sid, u.ID)
	}
}

// bind attaches the identity, opens the bus relay if this is the user's
// first local socket, drains parked offline items, and announces the bind.
func (b *Binder) bind(ctx context.Context, sid types.SID, uid types.UserID) {
	b.reg.BindUser(ctx, sid, uid)
	b.ensureRelay(uid)

	items, err := b.bus.DrainOffline(ctx, uid)
	if err != nil {
		logging.Warn(ctx, "offline drain failed", zap.String("user_id", string(uid)), zap.Error(err))
	}
	for _, item := range items {
		b.gw.EmitToRoom(types.UserRoom(uid), item.Event, item.Payload, "")
	}

	b.presence.BroadcastBulk(ctx)
	logging.Info(ctx, "identity bound", zap.String("user_id", string(uid)))
}

// ensureRelay subscribes to the user's bus channel once per user per
// instance and relays cross-instance events to the local group.
func (b *Binder) ensureRelay(uid types.UserID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[uid]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.subs[uid] = cancel
	b.bus.Subscribe(ctx, uid, &b.wg, func(env bus.Envelope) {
		b.gw.EmitToRoom(types.UserRoom(uid), env.Event, env.Payload, env.SenderSID)
	})
}

// handleDisconnect tears the relay down when the user's last local socket
// goes away, and re-announces the online list.
func (b *Binder) handleDisconnect(sid types.SID, last types.ConnState) {
	if !last.Bound() {
		return
	}
	ctx := logging.WithSID(context.Background(), string(sid))

	if len(types.SIDsOf(b.gw, last.UserID)) == 0 {
		b.mu.Lock()
		if cancel, ok := b.subs[last.UserID]; ok {
			cancel()
			delete(b.subs, last.UserID)
		}
		b.mu.Unlock()
	}
	b.presence.BroadcastBulk(ctx)
}

// Close cancels every relay subscription and waits for them to drain.
func (b *Binder) Close() {
	b.mu.Lock()
	for uid, cancel := range b.subs {
		cancel()
		delete(b.subs, uid)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

type attachPayload struct {
	InstallID string          `json:"installId"`
	Profile   json.RawMessage `json:"profile,omitempty"`
}

type userPayload struct {
	UserID string `json:"userId"`
}

func ackError(ack transport.AckFunc, code string) {
	ack(map[string]any{"ok": false, "error": code})
}

// HandleAttach upserts the install record, creating a user for a fresh
// install, and binds the socket to the resulting user.
func (b *Binder) HandleAttach(ctx context.Context, sid types.SID, data json.RawMessage, ack transport.AckFunc) {
	var p attachPayload
	if err := json.Unmarshal(data, &p); err != nil || p.InstallID == "" {
		ackError(ack, types.ErrCodeBadPayload)
		return
	}

	// An already-bound socket keeps its identity across the upsert.
	var current types.UserID
	if state, ok := b.gw.State(sid); ok {
		current = state.UserID
	}

	u, err := b.users.UpsertInstall(ctx, p.InstallID, current)
	if err != nil {
		logging.Error(ctx, "install upsert failed", zap.Error(err))
		ackError(ack, types.ErrCodeNotFound)
		return
	}

	b.bind(ctx, sid, u.ID)
	ack(map[string]any{"ok": true, "userId": string(u.ID)})
}

// HandleReauth re-binds an existing user mid-session.
func (b *Binder) HandleReauth(ctx context.Context, sid types.SID, data json.RawMessage, ack transport.AckFunc) {
	b.rebind(ctx, sid, data, ack)
}

// HandleAttachUser is the explicit client-driven variant of reauth.
func (b *Binder) HandleAttachUser(ctx context.Context, sid types.SID, data json.RawMessage, ack transport.AckFunc) {
	b.rebind(ctx, sid, data, ack)
}

func (b *Binder) rebind(ctx context.Context, sid types.SID, data json.RawMessage, ack transport.AckFunc) {
	var p userPayload
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" {
		ackError(ack, types.ErrCodeInvalidUserID)
		return
	}
	uid := types.UserID(p.UserID)

	exists, err := b.users.Exists(ctx, uid)
	if err != nil {
		logging.Error(ctx, "user lookup failed", zap.Error(err))
		ackError(ack, types.ErrCodeNotFound)
		return
	}
	if !exists {
		ackError(ack, types.ErrCodeInvalidUserID)
		return
	}

	b.bind(ctx, sid, uid)
	ack(map[string]any{"ok": true, "userId": p.UserID})
}

// HandleWhoami acks the bound identity; an unbound socket gets a null id.
func (b *Binder) HandleWhoami(ctx context.Context, sid types.SID, data json.RawMessage, ack transport.AckFunc) {
	if uid, ok := b.reg.UserOf(sid); ok {
		ack(map[string]any{"_id": string(uid)})
		return
	}
	ack(map[string]any{"_id": nil})
}

// HandleProfileMe acks the caller's stored profile.
func (b *Binder) HandleProfileMe(ctx context.Context, sid types.SID, data json.RawMessage, ack transport.AckFunc) {
	uid, ok := b.reg.UserOf(sid)
	if !ok {
		ackError(ack, types.ErrCodeUnauthorized)
		return
	}
	nickname, err := b.users.Nickname(ctx, uid)
	if err != nil {
		logging.Warn(ctx, "nickname lookup failed", zap.Error(err))
	}
	ack(map[string]any{"_id": string(uid), "nickname": nickname})
}

type profilePatch struct {
	Nickname string `json:"nickname"`
}

// HandleProfileUpdate applies the patch and acks the resulting profile.
func (b *Binder) HandleProfileUpdate(ctx context.Context, sid types.SID, data json.RawMessage, ack transport.AckFunc) {
	uid, ok := b.reg.UserOf(sid)
	if !ok {
		ackError(ack, types.ErrCodeUnauthorized)
		return
	}
	var patch profilePatch
	if err := json.Unmarshal(data, &patch); err != nil {
		ackError(ack, types.ErrCodeBadPayload)
		return
	}
	if patch.Nickname != "" {
		if err := b.users.UpdateNickname(ctx, uid, patch.Nickname); err != nil {
			logging.Error(ctx, "nickname update failed", zap.Error(err))
			ackError(ack, types.ErrCodeNotFound)
			return
		}
	}
	nickname, _ := b.users.Nickname(ctx, uid)
	ack(map[string]any{"_id": string(uid), "nickname": nickname})
}
