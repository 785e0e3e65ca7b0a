package identity

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxkolt/livi-app-sub003/internal/v1/presence"
	"github.com/maxkolt/livi-app-sub003/internal/v1/registry"
	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
	"github.com/maxkolt/livi-app-sub003/internal/v1/types/typestest"
	"github.com/maxkolt/livi-app-sub003/internal/v1/userstore"
)

type fixture struct {
	gw    *typestest.Gateway
	reg   *registry.Registry
	users *userstore.Memory
	b     *Binder

	handshakes map[types.SID]url.Values
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gw := typestest.NewGateway()
	reg := registry.New(gw)
	users := userstore.NewMemory()
	f := &fixture{gw: gw, reg: reg, users: users, handshakes: make(map[types.SID]url.Values)}
	pres := presence.New(gw, users, nil, reg)
	f.b = New(gw, reg, users, nil, pres, func(sid types.SID) url.Values {
		return f.handshakes[sid]
	})
	gw.OnDisconnect = append(gw.OnDisconnect, f.b.handleDisconnect)
	t.Cleanup(f.b.Close)
	return f
}

func (f *fixture) connect(sid types.SID, q url.Values) {
	f.gw.Connect(sid)
	f.handshakes[sid] = q
	f.b.handleConnect(sid)
}

func captureAck() (func(any), *[]any) {
	var acks []any
	return func(data any) { acks = append(acks, data) }, &acks
}

func TestConnectBindsKnownUserID(t *testing.T) {
	f := newFixture(t)
	f.users.SetNickname("alice", "Alice")

	f.connect("s1", url.Values{"userId": []string{"alice"}})

	uid, ok := f.reg.UserOf("s1")
	require.True(t, ok)
	assert.Equal(t, types.UserID("alice"), uid)

	// A bind announces the online list to everyone.
	_, got := f.gw.LastEvent("s1", types.EventPresenceBulk)
	assert.True(t, got)
}

func TestConnectUnknownUserIDFallsBackToInstall(t *testing.T) {
	f := newFixture(t)
	_, err := f.users.UpsertInstall(context.Background(), "install-1", "bob")
	require.NoError(t, err)

	f.connect("s1", url.Values{
		"userId":    []string{"ghost"},
		"installId": []string{"install-1"},
	})

	uid, ok := f.reg.UserOf("s1")
	require.True(t, ok)
	assert.Equal(t, types.UserID("bob"), uid)
}

func TestConnectNoCredentialsStaysGuest(t *testing.T) {
	f := newFixture(t)
	f.connect("s1", url.Values{})

	_, ok := f.reg.UserOf("s1")
	assert.False(t, ok)
}

func TestAttachCreatesUserForFreshInstall(t *testing.T) {
	f := newFixture(t)
	f.connect("s1", url.Values{})

	ack, acks := captureAck()
	data, _ := json.Marshal(map[string]string{"installId": "install-9"})
	f.b.HandleAttach(context.Background(), "s1", data, ack)

	require.Len(t, *acks, 1)
	reply := (*acks)[0].(map[string]any)
	assert.Equal(t, true, reply["ok"])
	uid := reply["userId"].(string)
	require.NotEmpty(t, uid)

	bound, ok := f.reg.UserOf("s1")
	require.True(t, ok)
	assert.Equal(t, types.UserID(uid), bound)
}

func TestAttachBadPayload(t *testing.T) {
	f := newFixture(t)
	f.connect("s1", url.Values{})

	ack, acks := captureAck()
	f.b.HandleAttach(context.Background(), "s1", json.RawMessage(`{}`), ack)

	require.Len(t, *acks, 1)
	reply := (*acks)[0].(map[string]any)
	assert.Equal(t, false, reply["ok"])
	assert.Equal(t, types.ErrCodeBadPayload, reply["error"])
}

func TestReauthRejectsUnknownUser(t *testing.T) {
	f := newFixture(t)
	f.connect("s1", url.Values{})

	ack, acks := captureAck()
	data, _ := json.Marshal(map[string]string{"userId": "ghost"})
	f.b.HandleReauth(context.Background(), "s1", data, ack)

	reply := (*acks)[0].(map[string]any)
	assert.Equal(t, false, reply["ok"])
	assert.Equal(t, types.ErrCodeInvalidUserID, reply["error"])

	_, ok := f.reg.UserOf("s1")
	assert.False(t, ok)
}

func TestAttachUserBindsExisting(t *testing.T) {
	f := newFixture(t)
	f.users.SetNickname("alice", "Alice")
	f.connect("s1", url.Values{})

	ack, acks := captureAck()
	data, _ := json.Marshal(map[string]string{"userId": "alice"})
	f.b.HandleAttachUser(context.Background(), "s1", data, ack)

	reply := (*acks)[0].(map[string]any)
	assert.Equal(t, true, reply["ok"])
	assert.Equal(t, "alice", reply["userId"])
}

func TestDuplicateLoginSevered(t *testing.T) {
	f := newFixture(t)
	f.users.SetNickname("alice", "Alice")

	f.connect("s_old", url.Values{"userId": []string{"alice"}})
	f.connect("s_new", url.Values{"userId": []string{"alice"}})

	assert.Contains(t, f.gw.Dropped, types.SID("s_old"))
	assert.Equal(t, []types.SID{"s_new"}, types.SIDsOf(f.gw, "alice"))
}

func TestWhoami(t *testing.T) {
	f := newFixture(t)
	f.users.SetNickname("alice", "Alice")
	f.connect("s1", url.Values{"userId": []string{"alice"}})
	f.connect("s2", url.Values{})

	ack, acks := captureAck()
	f.b.HandleWhoami(context.Background(), "s1", nil, ack)
	assert.Equal(t, map[string]any{"_id": "alice"}, (*acks)[0])

	ack2, acks2 := captureAck()
	f.b.HandleWhoami(context.Background(), "s2", nil, ack2)
	assert.Equal(t, map[string]any{"_id": nil}, (*acks2)[0])
}

func TestProfileMeAndUpdate(t *testing.T) {
	f := newFixture(t)
	f.users.SetNickname("alice", "Alice")
	f.connect("s1", url.Values{"userId": []string{"alice"}})

	ack, acks := captureAck()
	f.b.HandleProfileMe(context.Background(), "s1", nil, ack)
	assert.Equal(t, map[string]any{"_id": "alice", "nickname": "Alice"}, (*acks)[0])

	ack2, acks2 := captureAck()
	patch, _ := json.Marshal(map[string]string{"nickname": "Alya"})
	f.b.HandleProfileUpdate(context.Background(), "s1", patch, ack2)
	assert.Equal(t, map[string]any{"_id": "alice", "nickname": "Alya"}, (*acks2)[0])
}

func TestProfileRequiresBinding(t *testing.T) {
	f := newFixture(t)
	f.connect("s1", url.Values{})

	ack, acks := captureAck()
	f.b.HandleProfileMe(context.Background(), "s1", nil, ack)
	reply := (*acks)[0].(map[string]any)
	assert.Equal(t, types.ErrCodeUnauthorized, reply["error"])
}
