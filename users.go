package yatego

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yatego/yatego/ymsg"
)

// Registrations without an expires parameter get this lease.
const defaultUserExpiry = time.Hour

// User is one local SIP registration: the verbatim user.register message
// kept under its username until the lease runs out.
type User struct {
	Username string
	Message  *ymsg.Message
	ExpireAt time.Time
}

// Expired reports whether the registration lease ran out.
func (u *User) Expired() bool {
	return time.Now().After(u.ExpireAt)
}

// Host returns the contact IP of the registration, from the head of the
// address parameter or from ip_host.
func (u *User) Host() string {
	if addr := u.Message.Get("address"); addr != "" {
		host, _, _ := strings.Cut(addr, ":")
		return host
	}
	return u.Message.Get("ip_host")
}

func (e *Engine) handleUserRegister(m *ymsg.Message) {
	username := m.Get("username")
	if username == "" {
		e.reply(m, false)
		e.emitError(fmt.Errorf("user.register without username"))
		return
	}

	base := time.Now()
	if m.Time > 0 {
		base = time.Unix(m.Time, 0)
	}
	lease := defaultUserExpiry
	if v := m.Get("expires"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			lease = time.Duration(secs) * time.Second
		}
	}

	u := &User{Username: username, Message: m, ExpireAt: base.Add(lease)}
	e.mu.Lock()
	e.users[username] = u
	e.mu.Unlock()

	metricUserRegisters.Inc()
	e.log.Debug().Str("username", username).Time("expires", u.ExpireAt).Msg("user registered")
	e.emitUserRegister(u)
	e.reply(m, true)
}

func (e *Engine) handleUserUnregister(m *ymsg.Message) {
	username := m.Get("username")
	e.mu.Lock()
	u := e.users[username]
	delete(e.users, username)
	e.mu.Unlock()
	if u != nil {
		e.emitUserUnregister(u)
	}
}

// lookupUser returns the live registration for a username. A lookup that
// observes an expired lease drops the entry and reports it expired.
func (e *Engine) lookupUser(username string) *User {
	if username == "" {
		return nil
	}
	e.mu.Lock()
	u := e.users[username]
	if u != nil && u.Expired() {
		delete(e.users, username)
		e.mu.Unlock()
		e.emitUserExpired(u)
		return nil
	}
	e.mu.Unlock()
	return u
}

// GetLocalRoute resolves a called number against the local registrations.
// Nil means nobody live is registered under that name.
func (e *Engine) GetLocalRoute(caller, called string) *Route {
	u := e.lookupUser(called)
	if u == nil {
		return nil
	}
	return &Route{
		Caller:    caller,
		Called:    called,
		Host:      u.Host(),
		FullRoute: u.Message.Get("data"),
	}
}

// Users returns a snapshot of the live registrations, dropping any that
// expired on the way.
func (e *Engine) Users() []*User {
	e.mu.Lock()
	var out []*User
	var expired []*User
	for name, u := range e.users {
		if u.Expired() {
			delete(e.users, name)
			expired = append(expired, u)
			continue
		}
		out = append(out, u)
	}
	e.mu.Unlock()

	for _, u := range expired {
		e.emitUserExpired(u)
	}
	return out
}
