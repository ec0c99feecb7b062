package yatego

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// registerAlice installs a registration that outlives any test run.
func registerAlice(e *Engine) {
	e.handleLine("%%>message:0x1:1700000000:user.register::username=alice:expires=999999999:" +
		"address=10.0.0.5%z5060:data=sip/sip%zalice@10.0.0.5")
}

func TestUserRegister(t *testing.T) {
	e, conn := newTestEngine(t)
	initSession(t, e, conn)

	var registered []*User
	e.OnUserRegister(func(u *User) { registered = append(registered, u) })

	registerAlice(e)

	require.Len(t, registered, 1)
	assert.Equal(t, "alice", registered[0].Username)
	assert.Equal(t, "10.0.0.5", registered[0].Host())

	lines := conn.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "%%<message:0x1:true:user.register:", lines[0])
}

func TestUserRegisterWithoutUsername(t *testing.T) {
	e, conn := newTestEngine(t)
	initSession(t, e, conn)

	var errs []error
	e.OnError(func(err error) { errs = append(errs, err) })

	e.handleLine("%%>message:0x1:1700000000:user.register::expires=120")

	lines := conn.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "%%<message:0x1:false:user.register:", lines[0])
	assert.NotEmpty(t, errs)
}

func TestGetLocalRoute(t *testing.T) {
	e, conn := newTestEngine(t)
	initSession(t, e, conn)

	require.Nil(t, e.GetLocalRoute("200", "alice"))

	registerAlice(e)

	route := e.GetLocalRoute("200", "alice")
	require.NotNil(t, route)
	assert.Equal(t, "200", route.Caller)
	assert.Equal(t, "alice", route.Called)
	assert.Equal(t, "10.0.0.5", route.Host)
	assert.Equal(t, "sip/sip:alice@10.0.0.5", route.FullRoute)
}

func TestUserExpiry(t *testing.T) {
	e, conn := newTestEngine(t)
	initSession(t, e, conn)

	var expired []*User
	e.OnUserExpired(func(u *User) { expired = append(expired, u) })

	// message time far in the past, the lease is long gone
	e.handleLine("%%>message:0x1:1500000000:user.register::username=alice:expires=60")

	assert.Nil(t, e.GetLocalRoute("200", "alice"))
	require.Len(t, expired, 1)
	assert.Equal(t, "alice", expired[0].Username)

	// the expired entry is gone, not just hidden
	assert.Nil(t, e.GetLocalRoute("200", "alice"))
	require.Len(t, expired, 1)
}

func TestUserUnregister(t *testing.T) {
	e, conn := newTestEngine(t)
	initSession(t, e, conn)

	var unregistered []*User
	e.OnUserUnregister(func(u *User) { unregistered = append(unregistered, u) })

	registerAlice(e)
	require.NotNil(t, e.GetLocalRoute("", "alice"))

	e.handleLine("%%<message::false:user.unregister::username=alice")

	require.Len(t, unregistered, 1)
	assert.Equal(t, "alice", unregistered[0].Username)
	assert.Nil(t, e.GetLocalRoute("", "alice"))

	// unknown usernames are a no-op
	e.handleLine("%%<message::false:user.unregister::username=ghost")
	require.Len(t, unregistered, 1)
}

func TestUsersSnapshot(t *testing.T) {
	e, conn := newTestEngine(t)
	initSession(t, e, conn)

	e.handleLine("%%>message:0x1:1500000000:user.register::username=stale:expires=60")
	registerAlice(e)

	users := e.Users()
	require.Len(t, users, 1, "stale leases are dropped on the way out")
	assert.Equal(t, "alice", users[0].Username)
}
