// Package types holds the nominal identifier types and shared interfaces
// used across the signaling core.
//
// sid, userId, callId and roomId are all opaque strings on the wire but are
// semantically distinct; giving each its own type prevents a userId from
// silently ending up where a sid is expected.
package types

import (
	"sort"
	"strings"
)

// SID identifies one live socket connection. Stable for the lifetime of the
// connection, never reused.
type SID string

// UserID is the persistent identifier of an application user.
type UserID string

// CallID identifies a pending or active direct-call invitation.
type CallID string

// RoomID names a fan-out group: either a signaling room (room_<a>_<b>) or a
// user group (u:<userId>).
type RoomID string

const (
	// UserRoomPrefix scopes per-user fan-out groups.
	UserRoomPrefix = "u:"
	// PairRoomPrefix scopes two-peer signaling rooms.
	PairRoomPrefix = "room_"
)

// UserRoom returns the fan-out group every connection bound to uid joins.
func UserRoom(uid UserID) RoomID {
	return RoomID(UserRoomPrefix + string(uid))
}

// IsUserRoom reports whether r is a per-user fan-out group.
func IsUserRoom(r RoomID) bool {
	return strings.HasPrefix(string(r), UserRoomPrefix)
}

// IsPairRoom reports whether r is a two-peer signaling room.
func IsPairRoom(r RoomID) bool {
	return strings.HasPrefix(string(r), PairRoomPrefix)
}

// PairRoom returns the canonical signaling room name for two sids.
// The sids are sorted so PairRoom(a, b) == PairRoom(b, a).
func PairRoom(a, b SID) RoomID {
	s := []string{string(a), string(b)}
	sort.Strings(s)
	return RoomID(PairRoomPrefix + s[0] + "_" + s[1])
}

// MediaRoom returns the media-server room name for two users. It is keyed by
// userId rather than sid so that a reconnect with a fresh sid still lands in
// the same media room.
func MediaRoom(a, b UserID) string {
	s := []string{string(a), string(b)}
	sort.Strings(s)
	return PairRoomPrefix + s[0] + "_" + s[1]
}

// ConnState is the per-connection scratch state. It is an advisory cache of
// the authoritative queue-store data and is reset when the connection dies.
type ConnState struct {
	UserID     UserID
	PartnerSID SID
	RoomID     RoomID
	Busy       bool
	InCall     bool
	IsNexting  bool
}

// Bound reports whether the connection has a user identity attached.
func (s ConnState) Bound() bool {
	return s.UserID != ""
}

// Gateway is the socket-facing surface the feature managers drive: event
// emission, fan-out group membership and per-connection scratch state.
// Implemented by transport.Gateway in production and by fakes in tests.
type Gateway interface {
	// Emit delivers a single event to one socket. Returns false when the
	// socket is gone or its send buffer is full.
	Emit(sid SID, event string, data any) bool

	// EmitToRoom delivers an event to every member of a fan-out group,
	// excluding except when non-empty.
	EmitToRoom(room RoomID, event string, data any, except SID)

	JoinRoom(sid SID, room RoomID)
	LeaveRoom(sid SID, room RoomID)

	// RoomMembers returns the current members of a group; empty when the
	// group does not exist.
	RoomMembers(room RoomID) []SID

	// RoomsOf returns the groups containing sid whose name starts with
	// prefix. Pass "" for all.
	RoomsOf(sid SID, prefix string) []RoomID

	IsConnected(sid SID) bool

	// Connections returns the sids of every live socket.
	Connections() []SID

	// State returns a snapshot of the connection's scratch state.
	State(sid SID) (ConnState, bool)

	// UpdateState applies fn to the connection's scratch state under the
	// connection lock. Returns false when the socket is gone.
	UpdateState(sid SID, fn func(*ConnState)) bool

	// Disconnect forcefully closes a socket (duplicate-login policy).
	Disconnect(sid SID)
}

// SIDsOf returns every live sid bound to uid, via the user group.
func SIDsOf(g Gateway, uid UserID) []SID {
	return g.RoomMembers(UserRoom(uid))
}
