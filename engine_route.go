package yatego

import (
	"fmt"
	"strings"

	"github.com/yatego/yatego/ymsg"
)

// callerAddress extracts the caller's IP: the head of the address
// parameter with any port stripped, falling back to ip_host.
func callerAddress(m *ymsg.Message) string {
	addr := m.Get("address")
	if host, _, found := strings.Cut(addr, ":"); found {
		addr = host
	}
	if addr == "" {
		addr = m.Get("ip_host")
	}
	return addr
}

// handleCallRoute is the entry point for every call the engine offers.
// Return legs of outgoing calls are recognized by their callername and
// consumed; everything else becomes an incoming call the host routes.
func (e *Engine) handleCallRoute(m *ymsg.Message) {
	caller := m.Get("caller")
	called := m.Get("called")

	if strings.HasPrefix(caller, "dumb/") {
		if oc := e.takeOutgoing(m.Get("callername")); oc != nil {
			e.handleOutgoingRoute(oc, m)
			return
		}
	}

	if called == "" {
		e.reply(m, false)
		return
	}

	metricIncomingCalls.Inc()
	c := newRoutingChannel(e, m)
	call := IncomingCall{
		Caller:     caller,
		Called:     called,
		BillID:     m.Get("billid"),
		CallerHost: callerAddress(m),
	}

	e.mu.Lock()
	handlers := append([]func(*Channel, IncomingCall){}, e.onIncomingCall...)
	e.mu.Unlock()

	if len(handlers) == 0 {
		e.emitError(fmt.Errorf("call from %q to %q dropped, nobody handles incoming calls", caller, called))
		c.Terminate(Cause{})
		return
	}
	e.log.Debug().Str("caller", caller).Str("called", called).Msg("incoming call")
	for _, fn := range handlers {
		fn(c, call)
	}
}
