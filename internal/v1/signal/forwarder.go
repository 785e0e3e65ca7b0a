// Package signal forwards intra-room WebRTC signaling: room membership
// with a two-peer cap, SDP/ICE relay with sender exclusion, and the
// auxiliary cam-toggle and pip fan-outs.
package signal

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/maxkolt/livi-app-sub003/internal/v1/logging"
	"github.com/maxkolt/livi-app-sub003/internal/v1/presence"
	"github.com/maxkolt/livi-app-sub003/internal/v1/store"
	"github.com/maxkolt/livi-app-sub003/internal/v1/transport"
	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
)

// roomCap is the membership limit of a signaling room.
const roomCap = 2

// Router is the registration surface the forwarder wires into.
type Router interface {
	Handle(event string, h transport.HandlerFunc)
	OnDisconnect(transport.DisconnectHook)
}

// Forwarder relays SDP/ICE payloads between the members of a pair room.
type Forwarder struct {
	gw       types.Gateway
	store    store.Store
	presence *presence.Broadcaster
}

func New(gw types.Gateway, st store.Store, pres *presence.Broadcaster) *Forwarder {
	return &Forwarder{gw: gw, store: st, presence: pres}
}

// Register wires the forwarder into the gateway.
func (f *Forwarder) Register(r Router) {
	r.Handle(types.EventRoomJoinAck, f.HandleRoomJoinAck)
	r.Handle(types.EventRoomLeave, f.HandleRoomLeave)
	r.Handle(types.EventConnEstablished, f.HandleConnectionEstablished)
	for _, ev := range []string{types.EventOffer, types.EventAnswer, types.EventICECandidate, types.EventHangup} {
		ev := ev
		r.Handle(ev, func(ctx context.Context, sid types.SID, data json.RawMessage, ack transport.AckFunc) {
			f.forward(ctx, sid, ev, data)
		})
	}
	for _, ev := range []string{types.EventCamToggle, types.EventPipEntered, types.EventPipExited, types.EventPipState} {
		ev := ev
		r.Handle(ev, func(ctx context.Context, sid types.SID, data json.RawMessage, ack transport.AckFunc) {
			f.fanOut(ctx, sid, ev, data)
		})
	}
	r.OnDisconnect(f.HandleDisconnect)
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

// HandleRoomJoinAck admits the socket into a signaling room, capped at two
// peers, and introduces the peers to each other.
func (f *Forwarder) HandleRoomJoinAck(ctx context.Context, sid types.SID, data json.RawMessage, ack transport.AckFunc) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		return
	}
	room := types.RoomID(p.RoomID)

	var peer types.SID
	others := 0
	for _, member := range f.gw.RoomMembers(room) {
		if member == sid {
			return // already joined
		}
		others++
		peer = member
	}
	if others >= roomCap {
		f.gw.Emit(sid, types.EventCallBusy, map[string]any{
			"callId": p.RoomID,
			"reason": types.ErrCodeRoomFull,
		})
		return
	}

	f.gw.JoinRoom(sid, room)

	if peer == "" {
		return
	}
	selfState, _ := f.gw.State(sid)
	peerState, _ := f.gw.State(peer)
	f.gw.Emit(sid, types.EventPeerConnected, map[string]any{
		"peerId": string(peer),
		"userId": string(peerState.UserID),
	})
	f.gw.Emit(peer, types.EventPeerConnected, map[string]any{
		"peerId": string(sid),
		"userId": string(selfState.UserID),
	})
}

// HandleConnectionEstablished marks the socket busy once media is up.
func (f *Forwarder) HandleConnectionEstablished(ctx context.Context, sid types.SID, data json.RawMessage, ack transport.AckFunc) {
	state, ok := f.gw.State(sid)
	if !ok {
		return
	}
	f.gw.UpdateState(sid, func(s *types.ConnState) { s.Busy = true })
	if state.Bound() {
		if err := f.store.SetBusy(ctx, state.UserID, true); err != nil {
			logging.Warn(ctx, "busy flag update failed", zap.Error(err))
		}
		f.presence.Broadcast(ctx, state.UserID, true)
	}
}

// HandleRoomLeave withdraws the socket from the room and tells the peer
// the conversation is over without triggering the direct-call UI.
func (f *Forwarder) HandleRoomLeave(ctx context.Context, sid types.SID, data json.RawMessage, ack transport.AckFunc) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		return
	}
	room := types.RoomID(p.RoomID)

	state, _ := f.gw.State(sid)
	f.gw.UpdateState(sid, func(s *types.ConnState) { s.Busy = false })
	if state.Bound() {
		if err := f.store.SetBusy(ctx, state.UserID, false); err != nil {
			logging.Warn(ctx, "busy flag update failed", zap.Error(err))
		}
		f.presence.Broadcast(ctx, state.UserID, false)
	}

	f.gw.LeaveRoom(sid, room)
	f.gw.EmitToRoom(room, types.EventPeerStopped, map[string]any{}, "")
}

type signalEnvelope struct {
	RoomID string `json:"roomId"`
	To     string `json:"to"`
}

// forward relays an SDP or ICE message. The outgoing payload always carries
// from and fromUserId; room fan-out always excludes the sender so a socket
// never receives its own offer back.
func (f *Forwarder) forward(ctx context.Context, sid types.SID, event string, data json.RawMessage) {
	var env signalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	state, ok := f.gw.State(sid)
	if !ok {
		return
	}
	out := f.stamp(data, sid, state.UserID)

	delivered := false
	if env.RoomID != "" {
		room := types.RoomID(env.RoomID)
		if f.admit(sid, room) {
			f.gw.EmitToRoom(room, event, out, sid)
			delivered = true
		}
	} else if env.To != "" {
		if target, ok := f.resolveTarget(env.To); ok {
			f.gw.Emit(target, event, out)
			delivered = true
		}
	}

	// Hangup must reach the other side even when the client's payload is
	// missing or stale, so it also sweeps every room the sender is in.
	if event == types.EventHangup {
		for _, room := range f.gw.RoomsOf(sid, types.PairRoomPrefix) {
			f.gw.EmitToRoom(room, event, out, sid)
		}
		return
	}

	if !delivered {
		logging.Debug(ctx, "signal with no addressable target",
			zap.String("event", event))
	}
}

// fanOut relays a UI state event (cam-toggle, pip) to every room the sender
// is in and directly to the partner socket.
func (f *Forwarder) fanOut(ctx context.Context, sid types.SID, event string, data json.RawMessage) {
	state, ok := f.gw.State(sid)
	if !ok {
		return
	}
	out := f.stamp(data, sid, state.UserID)

	for _, room := range f.gw.RoomsOf(sid, types.PairRoomPrefix) {
		f.gw.EmitToRoom(room, event, out, sid)
	}
	if state.PartnerSID != "" {
		f.gw.Emit(state.PartnerSID, event, out)
	}
}

// HandleDisconnect clears busy across the room of a vanished socket and
// tells the survivors. The socket is already out of its groups by the time
// the hooks run, so the room comes from the final state snapshot.
func (f *Forwarder) HandleDisconnect(sid types.SID, last types.ConnState) {
	if last.IsNexting {
		return
	}
	if last.RoomID == "" || !types.IsPairRoom(last.RoomID) {
		return
	}
	ctx := logging.WithSID(context.Background(), string(sid))

	for _, member := range f.gw.RoomMembers(last.RoomID) {
		memberState, _ := f.gw.State(member)
		f.gw.UpdateState(member, func(s *types.ConnState) { s.Busy = false })
		if memberState.Bound() {
			if err := f.store.SetBusy(ctx, memberState.UserID, false); err != nil {
				logging.Warn(ctx, "busy flag update failed", zap.Error(err))
			}
			f.presence.Broadcast(ctx, memberState.UserID, false)
		}
	}
	f.gw.EmitToRoom(last.RoomID, types.EventDisconnected, map[string]any{}, sid)
}

// isMember reports whether sid already sits in room.
func (f *Forwarder) isMember(sid types.SID, room types.RoomID) bool {
	for _, member := range f.gw.RoomMembers(room) {
		if member == sid {
			return true
		}
	}
	return false
}

// admit lets a signaling payload pull its sender into the room, under the
// same two-peer cap as room:join:ack. A full room rejects the stranger.
func (f *Forwarder) admit(sid types.SID, room types.RoomID) bool {
	if f.isMember(sid, room) {
		return true
	}
	if len(f.gw.RoomMembers(room)) >= roomCap {
		f.gw.Emit(sid, types.EventCallBusy, map[string]any{
			"callId": string(room),
			"reason": types.ErrCodeRoomFull,
		})
		return false
	}
	f.gw.JoinRoom(sid, room)
	return true
}

// stamp merges from/fromUserId into the raw client payload.
func (f *Forwarder) stamp(data json.RawMessage, sid types.SID, uid types.UserID) map[string]any {
	out := make(map[string]any)
	if len(data) > 0 {
		_ = json.Unmarshal(data, &out)
	}
	out["from"] = string(sid)
	out["fromUserId"] = string(uid)
	return out
}

// resolveTarget interprets to as a sid first, then as a userId.
func (f *Forwarder) resolveTarget(to string) (types.SID, bool) {
	if f.gw.IsConnected(types.SID(to)) {
		return types.SID(to), true
	}
	sids := types.SIDsOf(f.gw, types.UserID(to))
	if len(sids) > 0 {
		return sids[0], true
	}
	return "", false
}
