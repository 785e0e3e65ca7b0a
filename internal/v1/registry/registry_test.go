package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
	"github.com/maxkolt/livi-app-sub003/internal/v1/types/typestest"
)

func TestBindUserJoinsUserGroup(t *testing.T) {
	gw := typestest.NewGateway()
	r := New(gw)
	gw.Connect("s1")

	r.BindUser(context.Background(), "s1", "alice")

	uid, ok := r.UserOf("s1")
	require.True(t, ok)
	assert.Equal(t, types.UserID("alice"), uid)
	assert.Equal(t, []types.SID{"s1"}, types.SIDsOf(gw, "alice"))
	assert.True(t, r.IsOnline("alice"))
}

func TestBindUserDropsDuplicateLogin(t *testing.T) {
	gw := typestest.NewGateway()
	r := New(gw)
	gw.Connect("s_old")
	gw.Connect("s_new")

	r.BindUser(context.Background(), "s_old", "alice")
	r.BindUser(context.Background(), "s_new", "alice")

	assert.Contains(t, gw.Dropped, types.SID("s_old"))
	assert.Equal(t, []types.SID{"s_new"}, types.SIDsOf(gw, "alice"))
}

func TestUnbindUser(t *testing.T) {
	gw := typestest.NewGateway()
	r := New(gw)
	gw.Connect("s1")
	r.BindUser(context.Background(), "s1", "alice")

	r.UnbindUser(context.Background(), "s1")

	_, ok := r.UserOf("s1")
	assert.False(t, ok)
	assert.Empty(t, types.SIDsOf(gw, "alice"))
	assert.False(t, r.IsOnline("alice"))

	// Unbinding an unbound socket is a no-op.
	r.UnbindUser(context.Background(), "s1")
}

func TestOnlineListDeduplicatesMultiDevice(t *testing.T) {
	gw := typestest.NewGateway()
	r := New(gw)
	gw.ConnectUser("s1", "alice")
	gw.ConnectUser("s2", "bob")
	gw.Connect("s3") // guest, unbound

	list := r.OnlineList()
	assert.ElementsMatch(t, []types.UserID{"alice", "bob"}, list)
}
