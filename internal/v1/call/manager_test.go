package call

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/maxkolt/livi-app-sub003/internal/v1/livekit"
	"github.com/maxkolt/livi-app-sub003/internal/v1/metrics"
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
	users *userstore.Memory
	clock *clocktesting.FakeClock
	m     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gw := typestest.NewGateway()
	fc := clocktesting.NewFakeClock(time.Now())
	st := store.NewMemoryWithClock(fc)
	users := userstore.NewMemory()
	reg := registry.New(gw)
	pres := presence.New(gw, users, nil, reg)
	minter := livekit.NewMinterWithClock("devkey", "devsecret", "ws://localhost:7880", fc)
	m := NewWithClock(gw, st, users, minter, pres, nil, fc)
	gw.OnDisconnect = append(gw.OnDisconnect, m.HandleDisconnect)
	return &fixture{gw: gw, store: st, users: users, clock: fc, m: m}
}

func (f *fixture) connectUser(sid types.SID, uid types.UserID) {
	if ok, _ := f.users.Exists(context.Background(), uid); !ok {
		f.users.SetNickname(uid, "")
	}
	f.gw.ConnectUser(sid, uid)
}

func captureAck() (func(any), *[]any) {
	var acks []any
	return func(data any) { acks = append(acks, data) }, &acks
}

func payload(kv map[string]string) json.RawMessage {
	raw, _ := json.Marshal(kv)
	return raw
}

// initiate rings bob from alice's socket s1 and returns the callId.
func (f *fixture) initiate(t *testing.T) string {
	t.Helper()
	ack, acks := captureAck()
	f.m.HandleInitiate(context.Background(), "s1", payload(map[string]string{"to": "bob"}), ack)
	require.Len(t, *acks, 1)
	reply := (*acks)[0].(map[string]any)
	require.Equal(t, true, reply["ok"])
	return reply["callId"].(string)
}

func TestInitiateRingsAllCalleeSockets(t *testing.T) {
	f := newFixture(t)
	f.users.SetNickname("alice", "Alice")
	f.connectUser("s1", "alice")
	f.connectUser("s2", "bob")
	f.gw.ConnectUser("s3", "bob")

	callID := f.initiate(t)

	for _, sid := range []types.SID{"s2", "s3"} {
		ev, ok := f.gw.LastEvent(sid, types.EventCallIncoming)
		require.True(t, ok, "socket %s not rung", sid)
		incoming := ev.Data.(map[string]any)
		assert.Equal(t, callID, incoming["callId"])
		assert.Equal(t, "alice", incoming["from"])
		assert.Equal(t, "Alice", incoming["fromNick"])
	}

	ev, ok := f.gw.LastEvent("s1", types.EventCallRoomCreated)
	require.True(t, ok)
	created := ev.Data.(map[string]any)
	assert.Equal(t, callID, created["callId"])
	assert.Equal(t, "bob", created["partnerId"])
	assert.NotEmpty(t, created["roomId"])

	// Both parties are busy while ringing.
	busy, err := f.store.IsBusy(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, busy)
	busy, err = f.store.IsBusy(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, busy)
}

func TestInitiateAckErrors(t *testing.T) {
	f := newFixture(t)
	f.connectUser("s1", "alice")
	f.gw.Connect("guest")

	cases := []struct {
		name string
		sid  types.SID
		to   string
		want string
	}{
		{"unbound socket", "guest", "bob", types.ErrCodeUnauthorized},
		{"self call", "s1", "alice", types.ErrCodeBadPeer},
		{"unknown callee", "s1", "nobody", types.ErrCodeBadPeer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ack, acks := captureAck()
			f.m.HandleInitiate(context.Background(), tc.sid, payload(map[string]string{"to": tc.to}), ack)
			require.Len(t, *acks, 1)
			reply := (*acks)[0].(map[string]any)
			assert.Equal(t, false, reply["ok"])
			assert.Equal(t, tc.want, reply["error"])
		})
	}
}

func TestInitiateOfflineCallee(t *testing.T) {
	f := newFixture(t)
	f.connectUser("s1", "alice")
	f.users.SetNickname("bob", "")

	ack, acks := captureAck()
	f.m.HandleInitiate(context.Background(), "s1", payload(map[string]string{"to": "bob"}), ack)
	reply := (*acks)[0].(map[string]any)
	assert.Equal(t, types.ErrCodePeerOffline, reply["error"])
}

func TestInitiateBusyCallee(t *testing.T) {
	f := newFixture(t)
	f.connectUser("s1", "alice")
	f.connectUser("s2", "bob")
	require.NoError(t, f.store.SetBusy(context.Background(), "bob", true))

	ack, acks := captureAck()
	f.m.HandleInitiate(context.Background(), "s1", payload(map[string]string{"to": "bob"}), ack)
	reply := (*acks)[0].(map[string]any)
	assert.Equal(t, types.ErrCodePeerBusy, reply["error"])

	// The initiator is also told directly.
	_, got := f.gw.LastEvent("s1", types.EventCallBusy)
	assert.True(t, got)
}

func TestAcceptConnectsBothSides(t *testing.T) {
	f := newFixture(t)
	f.connectUser("s1", "alice")
	f.connectUser("s2", "bob")
	callID := f.initiate(t)

	f.m.HandleAccept(context.Background(), "s2", payload(map[string]string{"callId": callID}), nil)

	ev1, ok := f.gw.LastEvent("s1", types.EventCallAccepted)
	require.True(t, ok)
	ev2, ok := f.gw.LastEvent("s2", types.EventCallAccepted)
	require.True(t, ok)

	a1 := ev1.Data.(map[string]any)
	a2 := ev2.Data.(map[string]any)
	assert.Equal(t, callID, a1["callId"])
	assert.Equal(t, a1["roomId"], a2["roomId"])
	assert.Equal(t, "bob", a1["fromUserId"])
	assert.Equal(t, "alice", a2["fromUserId"])
	assert.NotNil(t, a1["livekitToken"])
	assert.Equal(t, a1["livekitRoomName"], a2["livekitRoomName"])

	s1, _ := f.gw.State("s1")
	s2, _ := f.gw.State("s2")
	assert.True(t, s1.InCall)
	assert.True(t, s2.InCall)
	assert.Equal(t, types.SID("s2"), s1.PartnerSID)
	assert.Equal(t, types.SID("s1"), s2.PartnerSID)

	room := types.RoomID(a1["roomId"].(string))
	assert.ElementsMatch(t, []types.SID{"s1", "s2"}, f.gw.RoomMembers(room))

	// The ring timer is disarmed: stepping past the timeout emits nothing.
	f.clock.Step(ringTimeout + time.Second)
	_, got := f.gw.LastEvent("s1", types.EventCallTimeout)
	assert.False(t, got)
}

func TestRingTimeout(t *testing.T) {
	f := newFixture(t)
	f.connectUser("s1", "alice")
	f.connectUser("s2", "bob")
	callID := f.initiate(t)

	f.clock.Step(ringTimeout)

	for _, sid := range []types.SID{"s1", "s2"} {
		ev, ok := f.gw.LastEvent(sid, types.EventCallTimeout)
		require.True(t, ok, "socket %s missed the timeout", sid)
		assert.Equal(t, callID, ev.Data.(map[string]any)["callId"])
	}

	busy, err := f.store.IsBusy(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, busy)
	busy, err = f.store.IsBusy(context.Background(), "bob")
	require.NoError(t, err)
	assert.False(t, busy)

	// The record is gone; a late accept is a no-op.
	f.m.HandleAccept(context.Background(), "s2", payload(map[string]string{"callId": callID}), nil)
	_, got := f.gw.LastEvent("s2", types.EventCallAccepted)
	assert.False(t, got)
}

func TestDeclineClosesBothSides(t *testing.T) {
	f := newFixture(t)
	f.connectUser("s1", "alice")
	f.connectUser("s2", "bob")
	callID := f.initiate(t)

	f.m.HandleDecline(context.Background(), "s2", payload(map[string]string{"callId": callID}), nil)

	for _, sid := range []types.SID{"s1", "s2"} {
		ev, ok := f.gw.LastEvent(sid, types.EventCallDeclined)
		require.True(t, ok)
		declined := ev.Data.(map[string]any)
		assert.Equal(t, callID, declined["callId"])
		assert.Equal(t, "bob", declined["from"])
	}

	busy, err := f.store.IsBusy(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestCancelTellsBothUIs(t *testing.T) {
	f := newFixture(t)
	f.connectUser("s1", "alice")
	f.connectUser("s2", "bob")
	callID := f.initiate(t)

	f.m.HandleCancel(context.Background(), "s1", payload(map[string]string{"callId": callID}), nil)

	for _, sid := range []types.SID{"s1", "s2"} {
		_, ok := f.gw.LastEvent(sid, types.EventCallCancel)
		assert.True(t, ok, "socket %s missed the cancel", sid)
	}
}

func TestStrangerCannotDecline(t *testing.T) {
	f := newFixture(t)
	f.connectUser("s1", "alice")
	f.connectUser("s2", "bob")
	f.connectUser("s3", "mallory")
	callID := f.initiate(t)

	f.m.HandleDecline(context.Background(), "s3", payload(map[string]string{"callId": callID}), nil)

	_, got := f.gw.LastEvent("s1", types.EventCallDeclined)
	assert.False(t, got)
}

func TestEndClearsRoomState(t *testing.T) {
	f := newFixture(t)
	f.connectUser("s1", "alice")
	f.connectUser("s2", "bob")
	callID := f.initiate(t)
	f.m.HandleAccept(context.Background(), "s2", payload(map[string]string{"callId": callID}), nil)

	f.m.HandleEnd(context.Background(), "s1", payload(map[string]string{"callId": callID}), nil)

	for _, sid := range []types.SID{"s1", "s2"} {
		ev, ok := f.gw.LastEvent(sid, types.EventCallEnded)
		require.True(t, ok)
		ended := ev.Data.(map[string]any)
		assert.Equal(t, "ended", ended["reason"])
		assert.Equal(t, "all", ended["scope"])

		s, _ := f.gw.State(sid)
		assert.False(t, s.InCall)
		assert.False(t, s.Busy)
		assert.Empty(t, s.PartnerSID)
		assert.Empty(t, s.RoomID)
	}

	busy, err := f.store.IsBusy(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestEndResolvesRoomFromScratchState(t *testing.T) {
	f := newFixture(t)
	f.connectUser("s1", "alice")
	f.connectUser("s2", "bob")
	callID := f.initiate(t)
	f.m.HandleAccept(context.Background(), "s2", payload(map[string]string{"callId": callID}), nil)

	// No callId, no roomId: the socket's own scratch room wins.
	f.m.HandleEnd(context.Background(), "s2", json.RawMessage(`{}`), nil)

	_, ok := f.gw.LastEvent("s1", types.EventCallEnded)
	assert.True(t, ok)
}

func TestDeclineAfterAcceptIsNoop(t *testing.T) {
	f := newFixture(t)
	f.connectUser("s1", "alice")
	f.connectUser("s2", "bob")
	callID := f.initiate(t)
	f.m.HandleAccept(context.Background(), "s2", payload(map[string]string{"callId": callID}), nil)

	// Accept claimed the record; no later event may run the ring teardown.
	f.m.HandleDecline(context.Background(), "s2", payload(map[string]string{"callId": callID}), nil)

	_, got := f.gw.LastEvent("s1", types.EventCallDeclined)
	assert.False(t, got)
	s1, _ := f.gw.State("s1")
	assert.True(t, s1.InCall)
	busy, err := f.store.IsBusy(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, busy)
}

func TestEndOnForeignRoomLeavesCallMetrics(t *testing.T) {
	f := newFixture(t)
	f.connectUser("s1", "alice")
	f.connectUser("s2", "bob")
	// A pair room this manager never set up.
	f.gw.JoinRoom("s1", "room_s1_s2")
	f.gw.JoinRoom("s2", "room_s1_s2")
	f.gw.UpdateState("s1", func(s *types.ConnState) { s.RoomID = "room_s1_s2" })

	before := testutil.ToFloat64(metrics.ActiveCalls)
	f.m.HandleEnd(context.Background(), "s1", json.RawMessage(`{}`), nil)

	assert.Equal(t, before, testutil.ToFloat64(metrics.ActiveCalls))
	// The room teardown itself still runs.
	_, ok := f.gw.LastEvent("s2", types.EventCallEnded)
	assert.True(t, ok)
}

func TestEndOfAcceptedCallDecrementsGauge(t *testing.T) {
	f := newFixture(t)
	f.connectUser("s1", "alice")
	f.connectUser("s2", "bob")
	callID := f.initiate(t)
	f.m.HandleAccept(context.Background(), "s2", payload(map[string]string{"callId": callID}), nil)

	before := testutil.ToFloat64(metrics.ActiveCalls)
	f.m.HandleEnd(context.Background(), "s1", payload(map[string]string{"callId": callID}), nil)

	assert.Equal(t, before-1, testutil.ToFloat64(metrics.ActiveCalls))
}

func TestCalleeDisconnectCancelsRing(t *testing.T) {
	f := newFixture(t)
	f.connectUser("s1", "alice")
	f.connectUser("s2", "bob")
	f.initiate(t)

	f.gw.Disconnect("s2")

	_, ok := f.gw.LastEvent("s1", types.EventCallCancel)
	assert.True(t, ok)
	busy, err := f.store.IsBusy(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestSecondInitiateWhileRingingIsBusy(t *testing.T) {
	f := newFixture(t)
	f.connectUser("s1", "alice")
	f.connectUser("s2", "bob")
	f.connectUser("s3", "carol")
	f.initiate(t)

	ack, acks := captureAck()
	f.m.HandleInitiate(context.Background(), "s3", payload(map[string]string{"to": "bob"}), ack)
	reply := (*acks)[0].(map[string]any)
	assert.Equal(t, false, reply["ok"])
	assert.Equal(t, types.ErrCodePeerBusy, reply["error"])
}

func TestBusyRelayReachesTarget(t *testing.T) {
	f := newFixture(t)
	f.connectUser("s1", "alice")
	f.connectUser("s2", "bob")

	raw := payload(map[string]string{"to": "bob"})
	f.m.HandleBusyRelay(context.Background(), "s1", raw, nil)

	ev, ok := f.gw.LastEvent("s2", types.EventCallBusy)
	require.True(t, ok)
	assert.Equal(t, json.RawMessage(raw), ev.Data)
}
