package transport

import (
	"context"
	"encoding/json"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func connect(t *testing.T, g *Gateway, handshake url.Values) (*fakeSocket, types.SID) {
	t.Helper()
	ws := newFakeSocket()
	sid := g.HandleConnection(ws, handshake)
	t.Cleanup(func() {
		g.Disconnect(sid)
		waitDisconnected(t, g, sid)
	})
	return ws, sid
}

func waitDisconnected(t *testing.T, g *Gateway, sid types.SID) {
	t.Helper()
	require.Eventually(t, func() bool { return !g.IsConnected(sid) }, time.Second, 5*time.Millisecond)
}

func waitEvent(t *testing.T, ws *fakeSocket, event string) envelope {
	t.Helper()
	var env envelope
	require.Eventually(t, func() bool {
		e, ok := ws.lastEvent(event)
		env = e
		return ok
	}, time.Second, 5*time.Millisecond, "no %q frame", event)
	return env
}

func TestConnectionEstablishedCarriesSid(t *testing.T) {
	g := NewGateway()
	ws, sid := connect(t, g, nil)

	env := waitEvent(t, ws, types.EventConnEstablished)
	var data map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, string(sid), data["sid"])
	assert.True(t, g.IsConnected(sid))
}

func TestHandlerDispatchAndAck(t *testing.T) {
	g := NewGateway()

	var gotSID atomic.Value
	g.Handle("start", func(ctx context.Context, sid types.SID, data json.RawMessage, ack AckFunc) {
		gotSID.Store(sid)
		ack(map[string]string{"status": "searching"})
	})

	ws, sid := connect(t, g, nil)
	ws.sendFrame("start", nil, "ack-1")

	env := waitEvent(t, ws, "ack")
	var reply ackReply
	require.NoError(t, json.Unmarshal(env.Data, &reply))
	assert.Equal(t, "ack-1", reply.AckID)
	assert.Equal(t, sid, gotSID.Load())
}

func TestAckRepliesAtMostOnce(t *testing.T) {
	g := NewGateway()
	g.Handle("start", func(ctx context.Context, sid types.SID, data json.RawMessage, ack AckFunc) {
		ack("first")
		ack("second")
	})

	ws, _ := connect(t, g, nil)
	ws.sendFrame("start", nil, "ack-1")
	waitEvent(t, ws, "ack")

	acks := 0
	for _, env := range ws.frames() {
		if env.Event == "ack" {
			acks++
		}
	}
	assert.Equal(t, 1, acks)
}

func TestHandlerPanicDoesNotKillConnection(t *testing.T) {
	g := NewGateway()
	g.Handle("boom", func(ctx context.Context, sid types.SID, data json.RawMessage, ack AckFunc) {
		panic("handler bug")
	})
	pinged := make(chan struct{}, 1)
	g.Handle("ping", func(ctx context.Context, sid types.SID, data json.RawMessage, ack AckFunc) {
		pinged <- struct{}{}
	})

	ws, sid := connect(t, g, nil)
	ws.sendFrame("boom", nil, "")
	ws.sendFrame("ping", nil, "")

	select {
	case <-pinged:
	case <-time.After(time.Second):
		t.Fatal("connection died after handler panic")
	}
	assert.True(t, g.IsConnected(sid))
}

func TestMalformedFrameIsDropped(t *testing.T) {
	g := NewGateway()
	pinged := make(chan struct{}, 1)
	g.Handle("ping", func(ctx context.Context, sid types.SID, data json.RawMessage, ack AckFunc) {
		pinged <- struct{}{}
	})

	ws, _ := connect(t, g, nil)
	ws.inbound <- []byte("{not json")
	ws.sendFrame("ping", nil, "")

	select {
	case <-pinged:
	case <-time.After(time.Second):
		t.Fatal("connection died after malformed frame")
	}
}

func TestRoomFanOutExcludesSender(t *testing.T) {
	g := NewGateway()
	wsA, sidA := connect(t, g, nil)
	wsB, sidB := connect(t, g, nil)

	room := types.PairRoom(sidA, sidB)
	g.JoinRoom(sidA, room)
	g.JoinRoom(sidB, room)
	assert.ElementsMatch(t, []types.SID{sidA, sidB}, g.RoomMembers(room))

	g.EmitToRoom(room, "offer", map[string]string{"sdp": "x"}, sidA)

	waitEvent(t, wsB, "offer")
	_, got := wsA.lastEvent("offer")
	assert.False(t, got, "sender must not receive its own offer")
}

func TestRoomsOfFiltersByPrefix(t *testing.T) {
	g := NewGateway()
	_, sid := connect(t, g, nil)

	g.JoinRoom(sid, types.UserRoom("alice"))
	g.JoinRoom(sid, types.PairRoom(sid, "other"))

	pairRooms := g.RoomsOf(sid, types.PairRoomPrefix)
	require.Len(t, pairRooms, 1)
	assert.True(t, types.IsPairRoom(pairRooms[0]))

	all := g.RoomsOf(sid, "")
	assert.Len(t, all, 2)
}

func TestDisconnectRunsHooksWithLastState(t *testing.T) {
	g := NewGateway()

	done := make(chan types.ConnState, 1)
	g.OnDisconnect(func(sid types.SID, last types.ConnState) {
		done <- last
	})

	ws := newFakeSocket()
	sid := g.HandleConnection(ws, nil)
	g.UpdateState(sid, func(s *types.ConnState) { s.UserID = "alice" })
	g.JoinRoom(sid, types.UserRoom("alice"))

	g.Disconnect(sid)

	select {
	case last := <-done:
		assert.Equal(t, types.UserID("alice"), last.UserID)
	case <-time.After(time.Second):
		t.Fatal("disconnect hook never ran")
	}
	waitDisconnected(t, g, sid)
	assert.Empty(t, g.RoomMembers(types.UserRoom("alice")))
	assert.False(t, g.Emit(sid, "x", nil))
}

func TestHandshakeAvailableToHooks(t *testing.T) {
	g := NewGateway()

	got := make(chan string, 1)
	g.OnConnect(func(sid types.SID) {
		got <- g.Handshake(sid).Get("userId")
	})

	connect(t, g, url.Values{"userId": []string{"alice"}})

	select {
	case uid := <-got:
		assert.Equal(t, "alice", uid)
	case <-time.After(time.Second):
		t.Fatal("connect hook never ran")
	}
}

func TestShutdownClosesAllSockets(t *testing.T) {
	g := NewGateway()
	_, sidA := connect(t, g, nil)
	_, sidB := connect(t, g, nil)

	g.Shutdown(context.Background())

	waitDisconnected(t, g, sidA)
	waitDisconnected(t, g, sidB)
	assert.Empty(t, g.Connections())
}
