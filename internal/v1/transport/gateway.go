package transport

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/maxkolt/livi-app-sub003/internal/v1/logging"
	"github.com/maxkolt/livi-app-sub003/internal/v1/metrics"
	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
)

// AckFunc replies to an acknowledged frame. Safe to call at most once; extra
// calls are ignored.
type AckFunc func(data any)

// HandlerFunc processes one inbound event. Handlers for the same socket run
// serially on its read goroutine.
type HandlerFunc func(ctx context.Context, sid types.SID, data json.RawMessage, ack AckFunc)

// ConnectHook runs after a socket registers, DisconnectHook after it
// unregisters (with the last state snapshot, for cleanup).
type (
	ConnectHook    func(sid types.SID)
	DisconnectHook func(sid types.SID, last types.ConnState)
)

// Gateway owns every live socket and the fan-out groups they belong to. It
// demultiplexes inbound events to the registered feature handlers and
// implements types.Gateway for them.
type Gateway struct {
	mu      sync.RWMutex
	conns   map[types.SID]*Conn
	rooms   map[types.RoomID]map[types.SID]*Conn
	joined  map[types.SID]map[types.RoomID]struct{}
	closing bool

	handlerMu    sync.RWMutex
	handlers     map[string]HandlerFunc
	onConnect    []ConnectHook
	onDisconnect []DisconnectHook
}

func NewGateway() *Gateway {
	return &Gateway{
		conns:    make(map[types.SID]*Conn),
		rooms:    make(map[types.RoomID]map[types.SID]*Conn),
		joined:   make(map[types.SID]map[types.RoomID]struct{}),
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers the handler for an event name. Last registration wins;
// wiring happens once at startup.
func (g *Gateway) Handle(event string, h HandlerFunc) {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()
	g.handlers[event] = h
}

// OnConnect registers a hook invoked for every new socket.
func (g *Gateway) OnConnect(h ConnectHook) {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()
	g.onConnect = append(g.onConnect, h)
}

// OnDisconnect registers a hook invoked after a socket unregisters.
func (g *Gateway) OnDisconnect(h DisconnectHook) {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()
	g.onDisconnect = append(g.onDisconnect, h)
}

// route looks up and runs the handler, reporting a status label for metrics.
func (g *Gateway) route(ctx context.Context, c *Conn, event string, data json.RawMessage, ack AckFunc) string {
	g.handlerMu.RLock()
	h, ok := g.handlers[event]
	g.handlerMu.RUnlock()

	if !ok {
		logging.Warn(ctx, "no handler for event", zap.String("event", event))
		return "unhandled"
	}
	h(ctx, c.sid, data, ack)
	return "ok"
}

// register adds the socket and runs the connect hooks.
func (g *Gateway) register(c *Conn) {
	g.mu.Lock()
	g.conns[c.sid] = c
	g.joined[c.sid] = make(map[types.RoomID]struct{})
	g.mu.Unlock()

	metrics.IncConnection()

	g.handlerMu.RLock()
	hooks := g.onConnect
	g.handlerMu.RUnlock()
	for _, h := range hooks {
		h(c.sid)
	}
}

// handleDisconnect removes the socket from every group and runs the
// disconnect hooks with the final state snapshot.
func (g *Gateway) handleDisconnect(c *Conn) {
	last := c.State()

	g.mu.Lock()
	if _, ok := g.conns[c.sid]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.conns, c.sid)
	for room := range g.joined[c.sid] {
		g.leaveRoomLocked(c.sid, room)
	}
	delete(g.joined, c.sid)
	g.mu.Unlock()

	c.close()

	g.handlerMu.RLock()
	hooks := g.onDisconnect
	g.handlerMu.RUnlock()
	for _, h := range hooks {
		h(c.sid, last)
	}
}

func marshalFrame(event string, data any) ([]byte, bool) {
	frame, err := json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{Event: event, Data: data})
	if err != nil {
		logging.Error(context.Background(), "failed to marshal frame",
			zap.String("event", event), zap.Error(err))
		return nil, false
	}
	return frame, true
}

// --- types.Gateway ---

func (g *Gateway) Emit(sid types.SID, event string, data any) bool {
	g.mu.RLock()
	c, ok := g.conns[sid]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	frame, ok := marshalFrame(event, data)
	if !ok {
		return false
	}
	return c.push(frame)
}

func (g *Gateway) EmitToRoom(room types.RoomID, event string, data any, except types.SID) {
	frame, ok := marshalFrame(event, data)
	if !ok {
		return
	}

	g.mu.RLock()
	members := make([]*Conn, 0, len(g.rooms[room]))
	for sid, c := range g.rooms[room] {
		if sid == except {
			continue
		}
		members = append(members, c)
	}
	g.mu.RUnlock()

	for _, c := range members {
		c.push(frame)
	}
}

func (g *Gateway) JoinRoom(sid types.SID, room types.RoomID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.conns[sid]
	if !ok {
		return
	}
	if g.rooms[room] == nil {
		g.rooms[room] = make(map[types.SID]*Conn)
	}
	g.rooms[room][sid] = c
	g.joined[sid][room] = struct{}{}
}

func (g *Gateway) LeaveRoom(sid types.SID, room types.RoomID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leaveRoomLocked(sid, room)
	if j, ok := g.joined[sid]; ok {
		delete(j, room)
	}
}

func (g *Gateway) leaveRoomLocked(sid types.SID, room types.RoomID) {
	members, ok := g.rooms[room]
	if !ok {
		return
	}
	delete(members, sid)
	if len(members) == 0 {
		delete(g.rooms, room)
	}
}

func (g *Gateway) RoomMembers(room types.RoomID) []types.SID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]types.SID, 0, len(g.rooms[room]))
	for sid := range g.rooms[room] {
		out = append(out, sid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (g *Gateway) RoomsOf(sid types.SID, prefix string) []types.RoomID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []types.RoomID
	for room := range g.joined[sid] {
		if strings.HasPrefix(string(room), prefix) {
			out = append(out, room)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (g *Gateway) IsConnected(sid types.SID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.conns[sid]
	return ok
}

func (g *Gateway) Connections() []types.SID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]types.SID, 0, len(g.conns))
	for sid := range g.conns {
		out = append(out, sid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Handshake returns the query parameters of the socket's upgrade request.
// Connect hooks use it to pick up userId/installId sent at connect time.
func (g *Gateway) Handshake(sid types.SID) url.Values {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if c, ok := g.conns[sid]; ok {
		return c.handshake
	}
	return nil
}

func (g *Gateway) State(sid types.SID) (types.ConnState, bool) {
	g.mu.RLock()
	c, ok := g.conns[sid]
	g.mu.RUnlock()
	if !ok {
		return types.ConnState{}, false
	}
	return c.State(), true
}

func (g *Gateway) UpdateState(sid types.SID, fn func(*types.ConnState)) bool {
	g.mu.RLock()
	c, ok := g.conns[sid]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	c.UpdateState(fn)
	return true
}

func (g *Gateway) Disconnect(sid types.SID) {
	g.mu.RLock()
	c, ok := g.conns[sid]
	g.mu.RUnlock()
	if !ok {
		return
	}
	// Closing the send channel makes writePump close the socket, which in
	// turn unblocks readPump and runs the normal disconnect path.
	c.close()
}

// Shutdown closes every socket. Pumps drain on their own goroutines.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.Lock()
	g.closing = true
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	logging.Info(ctx, "gateway shut down", zap.Int("connections", len(conns)))
}

var _ types.Gateway = (*Gateway)(nil)
