package yatego

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yatego/yatego/ymsg"
)

var (
	ErrNoCalled        = errors.New("destination needs a called number")
	ErrOutgoingTimeout = errors.New("engine never routed the outgoing call")
)

// The engine gets this long to come back with the call.route for a dumb
// channel we asked it to create. Variable so tests can shrink it.
var outgoingInitTimeout = 5 * time.Second

// CallFunc is invoked once per MakeCall, either with the live IVR or
// with the reason the call never got off the ground.
type CallFunc func(err error, ivr *IVR, dest *Destination)

type outgoingCall struct {
	id    string
	dest  *Destination
	cb    CallFunc
	timer *time.Timer
}

// MakeCall starts an outbound call. The engine creates a dumb channel
// whose routing request comes back to this session tagged with the
// returned id; the destination's routes then take over and the call is
// driven through the IVR handed to the callback and the outgoing-call
// event.
func (e *Engine) MakeCall(dest *Destination, cb CallFunc) (string, error) {
	if dest == nil || len(dest.Routes) == 0 {
		return "", ErrNoRoutes
	}
	called := dest.Called
	if called == "" {
		called = dest.Routes[0].Called
	}
	if called == "" {
		return "", ErrNoCalled
	}

	timeout := dest.Timeout
	if timeout <= 0 {
		timeout = e.callTimeout
	}
	setup := dest.SetupTimeout
	if setup <= 0 {
		setup = e.callSetupTimeout
	}

	id := uuid.NewString()
	m := ymsg.NewMessage("call.execute")
	m.Params.Add("callto", "dumb/")
	m.Params.Add("target", called)
	m.Params.Add("callername", id)
	m.Params.Add("maxcall", formatMS(setup))
	m.Params.Add("timeout", formatMS(timeout+setup))

	oc := &outgoingCall{id: id, dest: dest, cb: cb}
	oc.timer = time.AfterFunc(outgoingInitTimeout, func() {
		e.expireOutgoing(id)
	})

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		oc.timer.Stop()
		return "", ErrEngineDestroyed
	}
	e.outgoing[id] = oc
	e.mu.Unlock()

	if err := e.dispatch(m); err != nil {
		e.mu.Lock()
		delete(e.outgoing, id)
		e.mu.Unlock()
		oc.timer.Stop()
		return "", err
	}

	metricOutgoingCalls.Inc()
	e.log.Debug().Str("call", id).Str("called", called).Msg("outgoing call started")
	return id, nil
}

func (e *Engine) expireOutgoing(id string) {
	e.mu.Lock()
	oc := e.outgoing[id]
	delete(e.outgoing, id)
	e.mu.Unlock()
	if oc == nil {
		return
	}

	err := fmt.Errorf("outgoing call %s: %w", id, ErrOutgoingTimeout)
	e.emitError(err)
	if oc.cb != nil {
		oc.cb(err, nil, oc.dest)
	}
}

// takeOutgoing consumes the pending entry matching a return leg.
func (e *Engine) takeOutgoing(callername string) *outgoingCall {
	if callername == "" {
		return nil
	}
	e.mu.Lock()
	oc := e.outgoing[callername]
	delete(e.outgoing, callername)
	e.mu.Unlock()
	if oc != nil {
		oc.timer.Stop()
	}
	return oc
}

// handleOutgoingRoute wires the return leg: the dumb channel asking for
// its route gets an IVR and is forked out to the destination.
func (e *Engine) handleOutgoingRoute(oc *outgoingCall, m *ymsg.Message) {
	c := newRoutingChannel(e, m)
	ivr := newAttachedIVR(c)

	if err := c.RouteToDestination(oc.dest); err != nil {
		e.emitError(fmt.Errorf("outgoing call %s: %w", oc.id, err))
		c.Terminate(Cause{})
		if oc.cb != nil {
			oc.cb(err, nil, oc.dest)
		}
		return
	}

	e.emitOutgoingCall(ivr, oc.dest)
	if oc.cb != nil {
		oc.cb(nil, ivr, oc.dest)
	}
}
