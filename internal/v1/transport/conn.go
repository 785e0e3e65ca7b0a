package transport

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/maxkolt/livi-app-sub003/internal/v1/logging"
	"github.com/maxkolt/livi-app-sub003/internal/v1/metrics"
	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
)

// wsConnection is the subset of *websocket.Conn the pumps need; tests supply
// an in-memory implementation.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// envelope is the wire frame. Inbound frames may carry an ackId; the reply
// travels as an "ack" event echoing the same id.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

// ackReply is the payload of an ack frame.
type ackReply struct {
	AckID string `json:"ackId"`
	Data  any    `json:"data,omitempty"`
}

// Conn is one live socket. Scratch state lives here and dies with the
// connection; durable state belongs to the queue store.
type Conn struct {
	sid       types.SID
	ws        wsConnection
	gateway   *Gateway
	handshake url.Values // query params from the upgrade request, read-only

	mu     sync.RWMutex
	state  types.ConnState
	closed bool

	closeOnce sync.Once
	send      chan []byte
}

func newConn(sid types.SID, ws wsConnection, g *Gateway, handshake url.Values) *Conn {
	return &Conn{
		sid:       sid,
		ws:        ws,
		gateway:   g,
		handshake: handshake,
		send:      make(chan []byte, 256),
	}
}

// SID returns the socket identifier.
func (c *Conn) SID() types.SID {
	return c.sid
}

// State returns a snapshot of the scratch state.
func (c *Conn) State() types.ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// UpdateState applies fn under the connection lock.
func (c *Conn) UpdateState(fn func(*types.ConnState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.state)
}

// close triggers the writePump to drain, send the close frame and tear the
// socket down. Safe to call more than once.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// push queues a pre-serialized frame. Returns false when the socket is gone
// or its buffer is full; a slow consumer never blocks the caller.
func (c *Conn) push(data []byte) bool {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return false
	}
	c.mu.RUnlock()

	defer func() {
		// close may race the send below; losing a frame to a dying socket
		// is acceptable, panicking is not.
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "recovered from send to closed connection",
				zap.String("sid", string(c.sid)), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		logging.Warn(context.Background(), "send buffer full, dropping frame",
			zap.String("sid", string(c.sid)))
		return false
	}
}

// readPump reads frames and dispatches them serially. One goroutine per
// socket; handlers for the same socket never run concurrently.
func (c *Conn) readPump() {
	defer func() {
		c.gateway.handleDisconnect(c)
		_ = c.ws.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			logging.Warn(context.Background(), "dropping malformed frame",
				zap.String("sid", string(c.sid)), zap.Error(err))
			metrics.WebsocketEvents.WithLabelValues("unknown", "malformed").Inc()
			continue
		}

		c.dispatch(env)
	}
}

// dispatch runs the registered handler with panic isolation: a handler bug
// kills the frame, not the connection.
func (c *Conn) dispatch(env envelope) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(context.Background(), "recovered from handler panic",
				zap.String("sid", string(c.sid)), zap.String("event", env.Event), zap.Any("panic", r))
			metrics.WebsocketEvents.WithLabelValues(env.Event, "panic").Inc()
			if env.AckID != "" {
				c.ack(env.AckID, map[string]string{"error": types.ErrCodeBadPayload})
			}
		}
	}()

	ctx := logging.WithSID(context.Background(), string(c.sid))
	if uid := c.State().UserID; uid != "" {
		ctx = logging.WithUserID(ctx, string(uid))
	}

	ack := func(data any) {}
	if env.AckID != "" {
		ackID := env.AckID
		var once sync.Once
		ack = func(data any) {
			once.Do(func() { c.ack(ackID, data) })
		}
	}

	start := time.Now()
	status := c.gateway.route(ctx, c, env.Event, env.Data, ack)
	metrics.EventProcessingDuration.WithLabelValues(env.Event).Observe(time.Since(start).Seconds())
	metrics.WebsocketEvents.WithLabelValues(env.Event, status).Inc()
}

// ack sends the reply frame for an acknowledged request.
func (c *Conn) ack(ackID string, data any) {
	frame, err := json.Marshal(struct {
		Event string   `json:"event"`
		Data  ackReply `json:"data"`
	}{Event: "ack", Data: ackReply{AckID: ackID, Data: data}})
	if err != nil {
		logging.Error(context.Background(), "failed to marshal ack", zap.Error(err))
		return
	}
	c.push(frame)
}

// writePump owns all writes to the socket.
func (c *Conn) writePump() {
	defer func() { _ = c.ws.Close() }()
	writeWait := 10 * time.Second

	for message := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing frame",
				zap.String("sid", string(c.sid)), zap.Error(err))
			return
		}
	}
	_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
}
