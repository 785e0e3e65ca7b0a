// Package typestest provides an in-memory types.Gateway for feature tests.
package typestest

import (
	"sort"
	"strings"
	"sync"

	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
)

// Event is one recorded emission to a socket.
type Event struct {
	Event string
	Data  any
}

// Gateway is a deterministic in-memory types.Gateway. Everything runs under
// one mutex; emissions are recorded instead of serialized.
type Gateway struct {
	mu     sync.Mutex
	states map[types.SID]*types.ConnState
	rooms  map[types.RoomID]map[types.SID]struct{}
	events map[types.SID][]Event

	// Dropped records sids force-disconnected via Disconnect.
	Dropped []types.SID

	// OnDisconnect mirrors the production disconnect hooks so tests can wire
	// feature cleanup paths.
	OnDisconnect []func(sid types.SID, last types.ConnState)
}

func NewGateway() *Gateway {
	return &Gateway{
		states: make(map[types.SID]*types.ConnState),
		rooms:  make(map[types.RoomID]map[types.SID]struct{}),
		events: make(map[types.SID][]Event),
	}
}

// Connect registers a live socket.
func (g *Gateway) Connect(sid types.SID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[sid] = &types.ConnState{}
}

// ConnectUser registers a socket already bound to uid and joined to its
// user group.
func (g *Gateway) ConnectUser(sid types.SID, uid types.UserID) {
	g.mu.Lock()
	g.states[sid] = &types.ConnState{UserID: uid}
	room := types.UserRoom(uid)
	if g.rooms[room] == nil {
		g.rooms[room] = make(map[types.SID]struct{})
	}
	g.rooms[room][sid] = struct{}{}
	g.mu.Unlock()
}

// Events returns everything emitted to sid so far.
func (g *Gateway) Events(sid types.SID) []Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Event, len(g.events[sid]))
	copy(out, g.events[sid])
	return out
}

// LastEvent returns the most recent emission with the given name.
func (g *Gateway) LastEvent(sid types.SID, event string) (Event, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	evs := g.events[sid]
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Event == event {
			return evs[i], true
		}
	}
	return Event{}, false
}

// CountEvents returns how many times event was emitted to sid.
func (g *Gateway) CountEvents(sid types.SID, event string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, e := range g.events[sid] {
		if e.Event == event {
			n++
		}
	}
	return n
}

// --- types.Gateway ---

func (g *Gateway) Emit(sid types.SID, event string, data any) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.states[sid]; !ok {
		return false
	}
	g.events[sid] = append(g.events[sid], Event{Event: event, Data: data})
	return true
}

func (g *Gateway) EmitToRoom(room types.RoomID, event string, data any, except types.SID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for sid := range g.rooms[room] {
		if sid == except {
			continue
		}
		g.events[sid] = append(g.events[sid], Event{Event: event, Data: data})
	}
}

func (g *Gateway) JoinRoom(sid types.SID, room types.RoomID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.states[sid]; !ok {
		return
	}
	if g.rooms[room] == nil {
		g.rooms[room] = make(map[types.SID]struct{})
	}
	g.rooms[room][sid] = struct{}{}
}

func (g *Gateway) LeaveRoom(sid types.SID, room types.RoomID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.rooms[room], sid)
	if len(g.rooms[room]) == 0 {
		delete(g.rooms, room)
	}
}

func (g *Gateway) RoomMembers(room types.RoomID) []types.SID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]types.SID, 0, len(g.rooms[room]))
	for sid := range g.rooms[room] {
		out = append(out, sid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (g *Gateway) RoomsOf(sid types.SID, prefix string) []types.RoomID {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []types.RoomID
	for room, members := range g.rooms {
		if _, ok := members[sid]; !ok {
			continue
		}
		if strings.HasPrefix(string(room), prefix) {
			out = append(out, room)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (g *Gateway) IsConnected(sid types.SID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.states[sid]
	return ok
}

func (g *Gateway) Connections() []types.SID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]types.SID, 0, len(g.states))
	for sid := range g.states {
		out = append(out, sid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (g *Gateway) State(sid types.SID) (types.ConnState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.states[sid]
	if !ok {
		return types.ConnState{}, false
	}
	return *s, true
}

func (g *Gateway) UpdateState(sid types.SID, fn func(*types.ConnState)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.states[sid]
	if !ok {
		return false
	}
	fn(s)
	return true
}

// Disconnect removes the socket, leaves its rooms and runs the registered
// disconnect hooks, mirroring the production teardown order.
func (g *Gateway) Disconnect(sid types.SID) {
	g.mu.Lock()
	s, ok := g.states[sid]
	if !ok {
		g.mu.Unlock()
		return
	}
	last := *s
	delete(g.states, sid)
	for room, members := range g.rooms {
		delete(members, sid)
		if len(members) == 0 {
			delete(g.rooms, room)
		}
	}
	g.Dropped = append(g.Dropped, sid)
	hooks := g.OnDisconnect
	g.mu.Unlock()

	for _, h := range hooks {
		h(sid, last)
	}
}

var _ types.Gateway = (*Gateway)(nil)
