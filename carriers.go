package yatego

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/yatego/yatego/ymsg"
)

var ErrCarrierHost = errors.New("carrier needs a host")

// Carrier is an upstream SIP account the session registers into. Its
// identity is the line id derived from the credentials and the host, so
// changing any of those fields makes it a different carrier.
type Carrier struct {
	Host       string
	Port       int
	Username   string
	Password   string
	AuthName   string
	AuthDomain string

	e      *Engine
	active bool // guarded by the engine mutex once registered
}

// LineID returns the deterministic account key of the carrier.
func (c *Carrier) LineID() string {
	host := c.Host
	if c.Port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(c.Port))
	}
	return c.Username + ":" + c.Password + ":" + c.AuthName + ":" + c.AuthDomain + "@" + host
}

func (c *Carrier) hostPort() string {
	if c.Port > 0 {
		return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}
	return c.Host
}

// Active reports whether the trunk registration is currently up.
func (c *Carrier) Active() bool {
	if c.e == nil {
		return false
	}
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	return c.active
}

// SetCarriers declares the desired trunk set. The registry is diffed
// against it: new or inactive entries get a login, removed entries a
// logout. On a session that is not initialized yet the set is only
// stored and replayed once the handshake completes.
func (e *Engine) SetCarriers(desired []*Carrier) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrEngineDestroyed
	}

	fresh := make(map[string]*Carrier, len(desired))
	for _, c := range desired {
		if c.Host == "" {
			e.mu.Unlock()
			return fmt.Errorf("carrier %q: %w", c.Username, ErrCarrierHost)
		}
		c.e = e
		fresh[c.LineID()] = c
	}

	old := e.carriers
	e.carriers = fresh
	ready := e.ready

	var logins, logouts, wentOffline []*Carrier
	for id, c := range fresh {
		if prev := old[id]; prev != nil && prev != c {
			c.active = prev.active
		}
		if !c.active {
			logins = append(logins, c)
		}
	}
	for id, c := range old {
		if fresh[id] != nil {
			continue
		}
		logouts = append(logouts, c)
		if c.active {
			c.active = false
			wentOffline = append(wentOffline, c)
		}
	}
	e.mu.Unlock()

	if !ready {
		return nil
	}

	var firstErr error
	for _, c := range logins {
		if err := e.loginCarrier(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, c := range logouts {
		if err := e.logoutCarrier(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, c := range wentOffline {
		e.emitCarrierOffline(c)
	}
	return firstErr
}

// Carriers returns a snapshot of the current registry.
func (e *Engine) Carriers() []*Carrier {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Carrier, 0, len(e.carriers))
	for _, c := range e.carriers {
		out = append(out, c)
	}
	return out
}

func (e *Engine) loginCarrier(c *Carrier) error {
	id := c.LineID()
	reg := c.hostPort()

	m := ymsg.NewMessage("user.login")
	m.Params.Add("account", id)
	m.Params.Add("protocol", "sip")
	m.Params.Add("username", c.Username)
	m.Params.AddNonEmpty("password", c.Password)
	m.Params.Add("authname", pick(c.AuthName, c.Username))
	m.Params.Add("domain", pick(c.AuthDomain, c.Host))
	m.Params.Add("registrar", reg)
	m.Params.Add("outbound", reg)

	return e.dispatchWithReply(m, func(reply *ymsg.Message) {
		e.mu.Lock()
		if e.carriers[id] == c {
			c.active = reply.Processed
		}
		e.mu.Unlock()
		if !reply.Processed {
			e.emitError(fmt.Errorf("carrier login %s refused", id))
		}
	})
}

func (e *Engine) logoutCarrier(c *Carrier) error {
	m := ymsg.NewMessage("user.login")
	m.Params.Add("account", c.LineID())
	m.Params.Add("operation", "logout")
	return e.dispatch(m)
}

// handleUserNotify turns engine registration notifications into carrier
// state. Unknown accounts are ignored.
func (e *Engine) handleUserNotify(m *ymsg.Message) {
	account := m.Get("account")
	registered := m.Get("registered") == "true"

	e.mu.Lock()
	c := e.carriers[account]
	if c != nil {
		c.active = registered
	}
	e.mu.Unlock()
	if c == nil {
		return
	}

	if registered {
		metricCarrierOnline.Inc()
		e.emitCarrierOnline(c)
	} else {
		e.log.Warn().Str("account", account).Str("reason", m.Get("reason")).Msg("carrier registration lost")
		e.emitCarrierOffline(c)
	}
}
