package signal

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxkolt/livi-app-sub003/internal/v1/presence"
	"github.com/maxkolt/livi-app-sub003/internal/v1/registry"
	"github.com/maxkolt/livi-app-sub003/internal/v1/store"
	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
	"github.com/maxkolt/livi-app-sub003/internal/v1/types/typestest"
	"github.com/maxkolt/livi-app-sub003/internal/v1/userstore"
)

type fixture struct {
	gw    *typestest.Gateway
	store *store.Memory
	f     *Forwarder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gw := typestest.NewGateway()
	st := store.NewMemory()
	reg := registry.New(gw)
	pres := presence.New(gw, userstore.NewMemory(), nil, reg)
	f := New(gw, st, pres)
	gw.OnDisconnect = append(gw.OnDisconnect, f.HandleDisconnect)
	return &fixture{gw: gw, store: st, f: f}
}

func payload(kv map[string]any) json.RawMessage {
	raw, _ := json.Marshal(kv)
	return raw
}

func (f *fixture) join(sid types.SID, room string) {
	f.f.HandleRoomJoinAck(context.Background(), sid, payload(map[string]any{"roomId": room}), nil)
}

func TestJoinIntroducesPeers(t *testing.T) {
	f := newFixture(t)
	f.gw.ConnectUser("s1", "alice")
	f.gw.ConnectUser("s2", "bob")

	f.join("s1", "room_a_b")
	f.join("s2", "room_a_b")

	ev, ok := f.gw.LastEvent("s2", types.EventPeerConnected)
	require.True(t, ok)
	intro := ev.Data.(map[string]any)
	assert.Equal(t, "s1", intro["peerId"])
	assert.Equal(t, "alice", intro["userId"])

	ev, ok = f.gw.LastEvent("s1", types.EventPeerConnected)
	require.True(t, ok)
	intro = ev.Data.(map[string]any)
	assert.Equal(t, "s2", intro["peerId"])
	assert.Equal(t, "bob", intro["userId"])
}

func TestJoinFirstMemberIsSilent(t *testing.T) {
	f := newFixture(t)
	f.gw.Connect("s1")

	f.join("s1", "room_a_b")

	assert.Equal(t, []types.SID{"s1"}, f.gw.RoomMembers("room_a_b"))
	_, got := f.gw.LastEvent("s1", types.EventPeerConnected)
	assert.False(t, got)
}

func TestJoinRejectsThirdPeer(t *testing.T) {
	f := newFixture(t)
	f.gw.Connect("s1")
	f.gw.Connect("s2")
	f.gw.Connect("s3")
	f.join("s1", "room_a_b")
	f.join("s2", "room_a_b")

	f.join("s3", "room_a_b")

	ev, ok := f.gw.LastEvent("s3", types.EventCallBusy)
	require.True(t, ok)
	busy := ev.Data.(map[string]any)
	assert.Equal(t, "room_a_b", busy["callId"])
	assert.Equal(t, types.ErrCodeRoomFull, busy["reason"])
	assert.NotContains(t, f.gw.RoomMembers("room_a_b"), types.SID("s3"))
}

func TestJoinTwiceIsNoop(t *testing.T) {
	f := newFixture(t)
	f.gw.Connect("s1")
	f.gw.Connect("s2")
	f.join("s1", "room_a_b")
	f.join("s2", "room_a_b")

	f.join("s1", "room_a_b")

	assert.Equal(t, 1, f.gw.CountEvents("s1", types.EventPeerConnected))
}

func TestOfferForwardExcludesSender(t *testing.T) {
	f := newFixture(t)
	f.gw.ConnectUser("s1", "alice")
	f.gw.ConnectUser("s2", "bob")
	f.join("s1", "room_a_b")
	f.join("s2", "room_a_b")

	f.f.forward(context.Background(), "s1", types.EventOffer,
		payload(map[string]any{"roomId": "room_a_b", "sdp": "v=0"}))

	ev, ok := f.gw.LastEvent("s2", types.EventOffer)
	require.True(t, ok)
	out := ev.Data.(map[string]any)
	assert.Equal(t, "s1", out["from"])
	assert.Equal(t, "alice", out["fromUserId"])
	assert.Equal(t, "v=0", out["sdp"])

	// No self-echo.
	_, got := f.gw.LastEvent("s1", types.EventOffer)
	assert.False(t, got)
}

func TestForwardJoinsSenderFirst(t *testing.T) {
	f := newFixture(t)
	f.gw.Connect("s1")
	f.gw.Connect("s2")
	f.join("s2", "room_a_b")

	f.f.forward(context.Background(), "s1", types.EventAnswer,
		payload(map[string]any{"roomId": "room_a_b"}))

	assert.Contains(t, f.gw.RoomMembers("room_a_b"), types.SID("s1"))
	_, ok := f.gw.LastEvent("s2", types.EventAnswer)
	assert.True(t, ok)
}

func TestForwardAutoJoinRejectsThirdPeer(t *testing.T) {
	f := newFixture(t)
	f.gw.Connect("s1")
	f.gw.Connect("s2")
	f.gw.Connect("s3")
	f.join("s1", "room_a_b")
	f.join("s2", "room_a_b")

	// A stranger addressing a full room by roomId must not slip in through
	// the forwarding path.
	f.f.forward(context.Background(), "s3", types.EventOffer,
		payload(map[string]any{"roomId": "room_a_b", "sdp": "v=0"}))

	assert.ElementsMatch(t, []types.SID{"s1", "s2"}, f.gw.RoomMembers("room_a_b"))
	_, got := f.gw.LastEvent("s1", types.EventOffer)
	assert.False(t, got)
	_, got = f.gw.LastEvent("s2", types.EventOffer)
	assert.False(t, got)

	ev, ok := f.gw.LastEvent("s3", types.EventCallBusy)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeRoomFull, ev.Data.(map[string]any)["reason"])
}

func TestForwardToResolvesSidThenUserID(t *testing.T) {
	f := newFixture(t)
	f.gw.ConnectUser("s1", "alice")
	f.gw.ConnectUser("s2", "bob")

	// Direct sid target.
	f.f.forward(context.Background(), "s1", types.EventICECandidate,
		payload(map[string]any{"to": "s2", "candidate": "c1"}))
	ev, ok := f.gw.LastEvent("s2", types.EventICECandidate)
	require.True(t, ok)
	assert.Equal(t, "c1", ev.Data.(map[string]any)["candidate"])

	// userId fallback.
	f.f.forward(context.Background(), "s1", types.EventICECandidate,
		payload(map[string]any{"to": "bob", "candidate": "c2"}))
	ev, ok = f.gw.LastEvent("s2", types.EventICECandidate)
	require.True(t, ok)
	assert.Equal(t, "c2", ev.Data.(map[string]any)["candidate"])
}

func TestHangupSweepsAllRooms(t *testing.T) {
	f := newFixture(t)
	f.gw.Connect("s1")
	f.gw.Connect("s2")
	f.join("s1", "room_a_b")
	f.join("s2", "room_a_b")

	// Payload without any target at all.
	f.f.forward(context.Background(), "s1", types.EventHangup, json.RawMessage(`{}`))

	_, ok := f.gw.LastEvent("s2", types.EventHangup)
	assert.True(t, ok)
	_, got := f.gw.LastEvent("s1", types.EventHangup)
	assert.False(t, got)
}

func TestCamToggleReachesRoomAndPartner(t *testing.T) {
	f := newFixture(t)
	f.gw.Connect("s1")
	f.gw.Connect("s2")
	f.join("s1", "room_a_b")
	f.join("s2", "room_a_b")
	f.gw.UpdateState("s1", func(s *types.ConnState) { s.PartnerSID = "s2" })

	f.f.fanOut(context.Background(), "s1", types.EventCamToggle,
		payload(map[string]any{"enabled": false}))

	require.GreaterOrEqual(t, f.gw.CountEvents("s2", types.EventCamToggle), 1)
	ev, _ := f.gw.LastEvent("s2", types.EventCamToggle)
	out := ev.Data.(map[string]any)
	assert.Equal(t, false, out["enabled"])
	assert.Equal(t, "s1", out["from"])
	_, got := f.gw.LastEvent("s1", types.EventCamToggle)
	assert.False(t, got)
}

func TestConnectionEstablishedMarksBusy(t *testing.T) {
	f := newFixture(t)
	f.gw.ConnectUser("s1", "alice")

	f.f.HandleConnectionEstablished(context.Background(), "s1",
		payload(map[string]any{"roomId": "room_a_b"}), nil)

	s, _ := f.gw.State("s1")
	assert.True(t, s.Busy)
	busy, err := f.store.IsBusy(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, busy)
}

func TestRoomLeaveTellsRemainingPeer(t *testing.T) {
	f := newFixture(t)
	f.gw.ConnectUser("s1", "alice")
	f.gw.ConnectUser("s2", "bob")
	f.join("s1", "room_a_b")
	f.join("s2", "room_a_b")
	require.NoError(t, f.store.SetBusy(context.Background(), "alice", true))

	f.f.HandleRoomLeave(context.Background(), "s1",
		payload(map[string]any{"roomId": "room_a_b"}), nil)

	_, ok := f.gw.LastEvent("s2", types.EventPeerStopped)
	assert.True(t, ok)
	// Random-chat termination must not trigger the direct-call UI.
	_, got := f.gw.LastEvent("s2", types.EventCallEnded)
	assert.False(t, got)

	busy, err := f.store.IsBusy(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, busy)
	assert.NotContains(t, f.gw.RoomMembers("room_a_b"), types.SID("s1"))
}

func TestDisconnectClearsRoomBusy(t *testing.T) {
	f := newFixture(t)
	f.gw.ConnectUser("s1", "alice")
	f.gw.ConnectUser("s2", "bob")
	f.join("s1", "room_a_b")
	f.join("s2", "room_a_b")
	f.gw.UpdateState("s1", func(s *types.ConnState) { s.RoomID = "room_a_b" })
	f.gw.UpdateState("s2", func(s *types.ConnState) { s.Busy = true; s.RoomID = "room_a_b" })
	require.NoError(t, f.store.SetBusy(context.Background(), "bob", true))

	f.gw.Disconnect("s1")

	_, ok := f.gw.LastEvent("s2", types.EventDisconnected)
	assert.True(t, ok)
	s2, _ := f.gw.State("s2")
	assert.False(t, s2.Busy)
	busy, err := f.store.IsBusy(context.Background(), "bob")
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestDisconnectWhileNextingIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.gw.ConnectUser("s1", "alice")
	f.gw.ConnectUser("s2", "bob")
	f.join("s1", "room_a_b")
	f.join("s2", "room_a_b")
	f.gw.UpdateState("s1", func(s *types.ConnState) { s.IsNexting = true; s.RoomID = "room_a_b" })

	f.gw.Disconnect("s1")

	_, got := f.gw.LastEvent("s2", types.EventDisconnected)
	assert.False(t, got)
}
