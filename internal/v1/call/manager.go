// Package call implements the direct-call invite state machine: ring,
// accept, decline, cancel, timeout and teardown, indexed by callId.
package call

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/maxkolt/livi-app-sub003/internal/v1/bus"
	"github.com/maxkolt/livi-app-sub003/internal/v1/livekit"
	"github.com/maxkolt/livi-app-sub003/internal/v1/logging"
	"github.com/maxkolt/livi-app-sub003/internal/v1/metrics"
	"github.com/maxkolt/livi-app-sub003/internal/v1/presence"
	"github.com/maxkolt/livi-app-sub003/internal/v1/store"
	"github.com/maxkolt/livi-app-sub003/internal/v1/transport"
	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
	"github.com/maxkolt/livi-app-sub003/internal/v1/userstore"
)

// ringTimeout bounds how long an unanswered invite rings.
const ringTimeout = 20 * time.Second

// record is one pending (ringing) invitation. Terminal transitions remove
// it; an accepted call lives on only as room state and the per-sid room map.
type record struct {
	id           types.CallID
	initiatorSID types.SID
	initiatorUID types.UserID
	calleeUID    types.UserID
	calleeSID    types.SID
	roomID       types.RoomID
	timer        clock.Timer
}

// Router is the registration surface the manager wires into.
type Router interface {
	Handle(event string, h transport.HandlerFunc)
	OnDisconnect(transport.DisconnectHook)
}

// Manager drives the invite/ring/accept state machine. Call records are process-local; the bus
// carries ring events to sockets of the callee hosted on other instances.
type Manager struct {
	gw       types.Gateway
	store    store.Store
	users    userstore.Store
	minter   *livekit.Minter
	presence *presence.Broadcaster
	bus      *bus.Service
	clock    clock.WithDelayedExecution

	mu     sync.Mutex
	calls  map[types.CallID]*record
	byUser map[types.UserID]types.CallID
	// roomBySocket remembers which call room a socket belongs to after
	// accept, for call:end resolution when the payload is sparse.
	roomBySocket map[types.SID]types.RoomID
}

func New(gw types.Gateway, st store.Store, users userstore.Store, minter *livekit.Minter, pres *presence.Broadcaster, b *bus.Service) *Manager {
	return NewWithClock(gw, st, users, minter, pres, b, clock.RealClock{})
}

func NewWithClock(gw types.Gateway, st store.Store, users userstore.Store, minter *livekit.Minter, pres *presence.Broadcaster, b *bus.Service, c clock.WithDelayedExecution) *Manager {
	return &Manager{
		gw:           gw,
		store:        st,
		users:        users,
		minter:       minter,
		presence:     pres,
		bus:          b,
		clock:        c,
		calls:        make(map[types.CallID]*record),
		byUser:       make(map[types.UserID]types.CallID),
		roomBySocket: make(map[types.SID]types.RoomID),
	}
}

// Register wires the manager into the gateway.
func (m *Manager) Register(r Router) {
	r.Handle(types.EventCallInitiate, m.HandleInitiate)
	r.Handle(types.EventCallAccept, m.HandleAccept)
	r.Handle(types.EventCallDecline, m.HandleDecline)
	r.Handle(types.EventCallCancel, m.HandleCancel)
	r.Handle(types.EventCallEnd, m.HandleEnd)
	r.Handle(types.EventCallBusy, m.HandleBusyRelay)
	r.OnDisconnect(m.HandleDisconnect)
}

func newCallID(c clock.PassiveClock) types.CallID {
	suffix := uuid.NewString()[:6]
	return types.CallID(strconv.FormatInt(c.Now().UnixMilli(), 10) + "_" + suffix)
}

type initiatePayload struct {
	To string `json:"to"`
}

type callPayload struct {
	CallID string `json:"callId"`
	RoomID string `json:"roomId"`
}

func ackError(ack transport.AckFunc, code string) {
	if ack != nil {
		ack(map[string]any{"ok": false, "error": code})
	}
}

// HandleInitiate rings every connected socket of the callee and arms the
// ring timer.
func (m *Manager) HandleInitiate(ctx context.Context, sid types.SID, data json.RawMessage, ack transport.AckFunc) {
	state, ok := m.gw.State(sid)
	if !ok || !state.Bound() {
		ackError(ack, types.ErrCodeUnauthorized)
		return
	}
	from := state.UserID

	var p initiatePayload
	if err := json.Unmarshal(data, &p); err != nil || p.To == "" || p.To == string(from) {
		ackError(ack, types.ErrCodeBadPeer)
		return
	}
	to := types.UserID(p.To)

	if exists, err := m.users.Exists(ctx, to); err != nil || !exists {
		ackError(ack, types.ErrCodeBadPeer)
		return
	}

	m.mu.Lock()
	_, initiatorRinging := m.byUser[from]
	_, calleeRinging := m.byUser[to]
	m.mu.Unlock()

	if initiatorRinging || state.Busy {
		ackError(ack, types.ErrCodeBusy)
		return
	}

	calleeSids := types.SIDsOf(m.gw, to)
	if len(calleeSids) == 0 {
		ackError(ack, types.ErrCodePeerOffline)
		return
	}
	busy, err := m.store.IsBusy(ctx, to)
	if err != nil {
		logging.Warn(ctx, "busy lookup failed", zap.Error(err))
	}
	if calleeRinging || busy {
		m.gw.Emit(sid, types.EventCallBusy, map[string]any{"from": string(to)})
		ackError(ack, types.ErrCodePeerBusy)
		return
	}

	calleeSID := calleeSids[0]
	callID := newCallID(m.clock)
	roomID := types.PairRoom(sid, calleeSID)

	rec := &record{
		id:           callID,
		initiatorSID: sid,
		initiatorUID: from,
		calleeUID:    to,
		calleeSID:    calleeSID,
		roomID:       roomID,
	}
	rec.timer = m.clock.AfterFunc(ringTimeout, func() { m.timeout(callID) })

	m.mu.Lock()
	m.calls[callID] = rec
	m.byUser[from] = callID
	m.byUser[to] = callID
	m.mu.Unlock()

	m.setBusy(ctx, from, true)
	m.setBusy(ctx, to, true)
	m.gw.UpdateState(sid, func(s *types.ConnState) { s.RoomID = roomID })
	m.gw.UpdateState(calleeSID, func(s *types.ConnState) { s.RoomID = roomID })
	m.gw.JoinRoom(sid, roomID)

	nickname, err := m.users.Nickname(ctx, from)
	if err != nil {
		logging.Warn(ctx, "nickname lookup failed", zap.Error(err))
	}

	incoming := map[string]any{
		"callId":   string(callID),
		"from":     string(from),
		"fromNick": nickname,
	}
	m.gw.EmitToRoom(types.UserRoom(to), types.EventCallIncoming, incoming, "")
	if payload, err := json.Marshal(incoming); err == nil {
		if err := m.bus.Publish(ctx, to, types.EventCallIncoming, payload, sid); err != nil {
			logging.Warn(ctx, "ring publish failed", zap.Error(err))
		}
	}

	m.gw.Emit(sid, types.EventCallRoomCreated, map[string]any{
		"callId":    string(callID),
		"roomId":    string(roomID),
		"partnerId": string(to),
		"from":      string(calleeSID),
	})

	metrics.ActiveCalls.Inc()
	logging.Info(ctx, "call ringing",
		zap.String("call_id", string(callID)),
		zap.String("from", string(from)), zap.String("to", string(to)))

	if ack != nil {
		ack(map[string]any{"ok": true, "callId": string(callID)})
	}
}

// HandleAccept joins both sides into the call room and issues media tokens.
// Any socket of the callee may accept, not just the one that rang first.
func (m *Manager) HandleAccept(ctx context.Context, sid types.SID, data json.RawMessage, ack transport.AckFunc) {
	rec, ok := m.takeForAccept(sid, data)
	if !ok {
		return
	}
	rec.timer.Stop()

	initiator := rec.initiatorSID
	if !m.gw.IsConnected(initiator) {
		// The caller vanished mid-ring; unwind as a cancel.
		m.terminate(ctx, rec, types.EventCallCancel, rec.calleeUID, "dropped")
		return
	}

	roomID := rec.roomID
	m.gw.JoinRoom(initiator, roomID)
	m.gw.JoinRoom(sid, roomID)

	m.gw.UpdateState(initiator, func(s *types.ConnState) {
		s.PartnerSID = sid
		s.RoomID = roomID
		s.InCall = true
		s.Busy = true
	})
	m.gw.UpdateState(sid, func(s *types.ConnState) {
		s.PartnerSID = initiator
		s.RoomID = roomID
		s.InCall = true
		s.Busy = true
	})

	m.mu.Lock()
	m.roomBySocket[initiator] = roomID
	m.roomBySocket[sid] = roomID
	m.mu.Unlock()

	tokenInitiator, tokenCallee, mediaRoom := m.minter.MintPair(rec.initiatorUID, rec.calleeUID)

	m.gw.Emit(initiator, types.EventCallAccepted, map[string]any{
		"callId":          string(rec.id),
		"from":            string(sid),
		"fromUserId":      string(rec.calleeUID),
		"roomId":          string(roomID),
		"livekitToken":    nullable(tokenInitiator),
		"livekitRoomName": mediaRoom,
	})
	m.gw.Emit(sid, types.EventCallAccepted, map[string]any{
		"callId":          string(rec.id),
		"from":            string(initiator),
		"fromUserId":      string(rec.initiatorUID),
		"roomId":          string(roomID),
		"livekitToken":    nullable(tokenCallee),
		"livekitRoomName": mediaRoom,
	})

	metrics.CallOutcomes.WithLabelValues("accepted").Inc()
	logging.Info(ctx, "call accepted", zap.String("call_id", string(rec.id)))
}

// takeForAccept resolves the accepting socket to its pending call and
// re-pins the callee side to the socket that actually answered. The record
// leaves the tables inside the same critical section, so a ring timer that
// fires during accept finds nothing and exactly one side runs the terminal
// transition.
func (m *Manager) takeForAccept(sid types.SID, data json.RawMessage) (*record, bool) {
	var p callPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[types.CallID(p.CallID)]
	if !ok {
		return nil, false
	}
	state, live := m.gw.State(sid)
	if !live || state.UserID != rec.calleeUID {
		return nil, false
	}
	rec.calleeSID = sid
	m.removeLocked(rec)
	return rec, true
}

// HandleDecline rejects a ringing call; both UIs are told to close.
func (m *Manager) HandleDecline(ctx context.Context, sid types.SID, data json.RawMessage, ack transport.AckFunc) {
	if rec, uid, ok := m.lookup(sid, data); ok {
		rec.timer.Stop()
		m.terminate(ctx, rec, types.EventCallDeclined, uid, "declined")
	}
}

// HandleCancel withdraws a ringing call from the initiator side.
func (m *Manager) HandleCancel(ctx context.Context, sid types.SID, data json.RawMessage, ack transport.AckFunc) {
	if rec, uid, ok := m.lookup(sid, data); ok {
		rec.timer.Stop()
		m.terminate(ctx, rec, types.EventCallCancel, uid, "cancelled")
	}
}

// HandleEnd tears down a connected call for everyone in its room.
func (m *Manager) HandleEnd(ctx context.Context, sid types.SID, data json.RawMessage, ack transport.AckFunc) {
	var p callPayload
	_ = json.Unmarshal(data, &p)

	roomID, callID := m.resolveRoom(sid, p)
	if roomID == "" {
		return
	}

	members := m.gw.RoomMembers(roomID)

	// Matcher pair rooms resolve here too; only rooms this manager set up
	// count against the call gauge.
	ownedCall := false
	m.mu.Lock()
	for _, member := range append(members, sid) {
		if m.roomBySocket[member] == roomID {
			ownedCall = true
			delete(m.roomBySocket, member)
		}
	}
	m.mu.Unlock()

	for _, member := range members {
		var uid types.UserID
		if s, ok := m.gw.State(member); ok {
			uid = s.UserID
		}
		m.gw.UpdateState(member, func(s *types.ConnState) {
			s.Busy = false
			s.RoomID = ""
			s.PartnerSID = ""
			s.InCall = false
		})
		m.setBusy(ctx, uid, false)
	}

	m.gw.EmitToRoom(roomID, types.EventCallEnded, map[string]any{
		"callId": string(callID),
		"roomId": string(roomID),
		"reason": "ended",
		"scope":  "all",
	}, "")

	if ownedCall {
		metrics.ActiveCalls.Dec()
		metrics.CallOutcomes.WithLabelValues("ended").Inc()
	}
	logging.Info(ctx, "call ended", zap.String("room_id", string(roomID)))
}

// HandleBusyRelay forwards a client-originated busy signal to the target
// user's sockets, here and on other instances.
func (m *Manager) HandleBusyRelay(ctx context.Context, sid types.SID, data json.RawMessage, ack transport.AckFunc) {
	var p initiatePayload
	if err := json.Unmarshal(data, &p); err != nil || p.To == "" {
		return
	}
	to := types.UserID(p.To)
	m.gw.EmitToRoom(types.UserRoom(to), types.EventCallBusy, data, sid)
	if err := m.bus.Publish(ctx, to, types.EventCallBusy, data, sid); err != nil {
		logging.Warn(ctx, "busy relay publish failed", zap.Error(err))
	}
}

// HandleDisconnect unwinds a pending ring when either party drops.
func (m *Manager) HandleDisconnect(sid types.SID, last types.ConnState) {
	if !last.Bound() {
		return
	}
	m.mu.Lock()
	callID, ok := m.byUser[last.UserID]
	var rec *record
	if ok {
		rec = m.calls[callID]
	}
	m.mu.Unlock()
	if rec == nil {
		return
	}
	// Another socket of the same user can still answer.
	if len(types.SIDsOf(m.gw, last.UserID)) > 0 {
		return
	}
	m.mu.Lock()
	_, pending := m.calls[rec.id]
	if pending {
		m.removeLocked(rec)
	}
	m.mu.Unlock()
	if !pending {
		return
	}
	rec.timer.Stop()
	ctx := logging.WithSID(context.Background(), string(sid))
	m.terminate(ctx, rec, types.EventCallCancel, last.UserID, "dropped")
}

// timeout fires when a ring goes unanswered.
func (m *Manager) timeout(callID types.CallID) {
	m.mu.Lock()
	rec, ok := m.calls[callID]
	if ok {
		m.removeLocked(rec)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	ctx := context.Background()

	payload := map[string]any{"callId": string(callID)}
	m.emitBoth(ctx, rec, types.EventCallTimeout, payload)

	m.setBusy(ctx, rec.initiatorUID, false)
	m.setBusy(ctx, rec.calleeUID, false)
	m.clearRing(rec)

	metrics.ActiveCalls.Dec()
	metrics.CallOutcomes.WithLabelValues("timeout").Inc()
	logging.Info(ctx, "call timed out", zap.String("call_id", string(callID)))
}

// lookup maps a decline/cancel payload to its pending call and claims the
// record. Only the two parties may act on it.
func (m *Manager) lookup(sid types.SID, data json.RawMessage) (*record, types.UserID, bool) {
	var p callPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, "", false
	}
	state, ok := m.gw.State(sid)
	if !ok {
		return nil, "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[types.CallID(p.CallID)]
	if !ok {
		return nil, "", false
	}
	if state.UserID != rec.initiatorUID && state.UserID != rec.calleeUID {
		return nil, "", false
	}
	m.removeLocked(rec)
	return rec, state.UserID, true
}

// terminate is the shared ring-teardown path for decline, cancel and drop.
// The caller has already claimed rec out of the tables.
func (m *Manager) terminate(ctx context.Context, rec *record, event string, from types.UserID, outcome string) {
	payload := map[string]any{
		"callId": string(rec.id),
		"from":   string(from),
	}
	m.emitBoth(ctx, rec, event, payload)

	m.setBusy(ctx, rec.initiatorUID, false)
	m.setBusy(ctx, rec.calleeUID, false)
	m.clearRing(rec)

	metrics.ActiveCalls.Dec()
	metrics.CallOutcomes.WithLabelValues(outcome).Inc()
}

// removeLocked drops rec from the tables. The caller holds m.mu.
func (m *Manager) removeLocked(rec *record) {
	delete(m.calls, rec.id)
	delete(m.byUser, rec.initiatorUID)
	delete(m.byUser, rec.calleeUID)
}

// clearRing resets the scratch room set up during initiate.
func (m *Manager) clearRing(rec *record) {
	m.gw.LeaveRoom(rec.initiatorSID, rec.roomID)
	m.gw.UpdateState(rec.initiatorSID, func(s *types.ConnState) {
		if s.RoomID == rec.roomID {
			s.RoomID = ""
		}
	})
	m.gw.UpdateState(rec.calleeSID, func(s *types.ConnState) {
		if s.RoomID == rec.roomID {
			s.RoomID = ""
		}
	})
}

// emitBoth reaches every socket of both parties, including remote ones.
func (m *Manager) emitBoth(ctx context.Context, rec *record, event string, payload map[string]any) {
	m.gw.EmitToRoom(types.UserRoom(rec.initiatorUID), event, payload, "")
	m.gw.EmitToRoom(types.UserRoom(rec.calleeUID), event, payload, "")
	if raw, err := json.Marshal(payload); err == nil {
		_ = m.bus.Publish(ctx, rec.initiatorUID, event, raw, "")
		_ = m.bus.Publish(ctx, rec.calleeUID, event, raw, "")
	}
}

// resolveRoom applies the call:end room-resolution order.
func (m *Manager) resolveRoom(sid types.SID, p callPayload) (types.RoomID, types.CallID) {
	callID := types.CallID(p.CallID)
	if p.RoomID != "" {
		return types.RoomID(p.RoomID), callID
	}
	if state, ok := m.gw.State(sid); ok && state.RoomID != "" {
		return state.RoomID, callID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.roomBySocket[sid]; ok {
		return room, callID
	}
	if rec, ok := m.calls[callID]; ok {
		return rec.roomID, callID
	}
	return "", callID
}

func (m *Manager) setBusy(ctx context.Context, uid types.UserID, busy bool) {
	if uid == "" {
		return
	}
	if err := m.store.SetBusy(ctx, uid, busy); err != nil {
		logging.Warn(ctx, "busy flag update failed", zap.Error(err))
	}
	for _, s := range types.SIDsOf(m.gw, uid) {
		m.gw.UpdateState(s, func(cs *types.ConnState) { cs.Busy = busy })
	}
	m.presence.Broadcast(ctx, uid, busy)
}

func nullable(token string) any {
	if token == "" {
		return nil
	}
	return token
}
