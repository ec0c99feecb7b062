package yatego

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yatego/yatego/ymsg"
)

var (
	ErrChannelTerminated = errors.New("channel already terminated")
	ErrChannelRouted     = errors.New("channel already routed")
	ErrNotRouting        = errors.New("channel not in routing mode")
	ErrInvalidTimeout    = errors.New("timeout must be zero or positive")
	ErrNoRoutes          = errors.New("destination needs at least one route")
	ErrRelativePath      = errors.New("audio path must be absolute")
)

// Cause is a call disconnect reason, re-exported for hosts.
type Cause = ymsg.Cause

// Channel is one leg of a call tracked by the session. A channel created
// from a call.route request is in routing mode and owes a reply; a channel
// wrapped around a fork leg is in peer mode. Once terminated a channel
// accepts no commands and no subscriptions other than OnEnd.
type Channel struct {
	e   *Engine
	id  string
	log zerolog.Logger

	mu             sync.Mutex
	callRoute      *ymsg.Message
	routed         bool
	replied        bool
	terminated     bool
	peer           *Channel
	connectTime    time.Time
	disconnectTime time.Time
	savedCause     ymsg.Cause
	finalCause     ymsg.Cause
	timer          *time.Timer

	onEnd     []func(Cause)
	onTimeout []func()
	onPeer    []func(*Channel)
	onFork    []func(*Channel, *Route)
}

// newRoutingChannel wraps an unanswered call.route request. The channel
// must eventually answer it, either by routing or by termination.
func newRoutingChannel(e *Engine, route *ymsg.Message) *Channel {
	c := &Channel{
		e:         e,
		id:        route.Get("id"),
		callRoute: route,
		log:       e.log.With().Str("chan", route.Get("id")).Logger(),
	}
	c.init()
	return c
}

// newPeerChannel wraps an engine channel we did not route, typically a
// callfork leg.
func newPeerChannel(e *Engine, id string) *Channel {
	c := &Channel{
		e:   e,
		id:  id,
		log: e.log.With().Str("chan", id).Logger(),
	}
	c.init()
	return c
}

func (c *Channel) init() {
	if c.id == "" {
		return
	}
	c.e.registerChannel(c)
	c.e.subscribeChan(c.id, evHangup, false, func(m *ymsg.Message, _ string) {
		c.doTerminate(causeFromHangup(m))
	})
}

// ID returns the engine channel identifier, e.g. sip/42.
func (c *Channel) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Caller returns the calling number from the routing request, if any.
func (c *Channel) Caller() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callRoute == nil {
		return ""
	}
	return c.callRoute.Get("caller")
}

// Called returns the called number from the routing request, if any.
func (c *Channel) Called() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callRoute == nil {
		return ""
	}
	return c.callRoute.Get("called")
}

// Peer returns the current peer channel or nil.
func (c *Channel) Peer() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// Terminated reports whether the channel reached its terminal state.
func (c *Channel) Terminated() bool {
	return c.isTerminated()
}

func (c *Channel) isTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// Duration returns how long the call has been connected. Zero means the
// call never connected.
func (c *Channel) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.durationLocked()
}

func (c *Channel) durationLocked() time.Duration {
	if c.connectTime.IsZero() {
		return 0
	}
	end := c.disconnectTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(c.connectTime)
}

// DisconnectCause returns the reconciled disconnect reason. A connected
// call always reports 200 regardless of the raw hangup reason; a 487 on
// our own leg defers to the peer's cause when one exists.
func (c *Channel) DisconnectCause() Cause {
	c.mu.Lock()
	if c.terminated {
		defer c.mu.Unlock()
		return c.finalCause
	}
	peer := c.peer
	c.mu.Unlock()

	var peerCause ymsg.Cause
	if peer != nil {
		peerCause = peer.savedCauseSnapshot()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconcileCauseLocked(peerCause)
}

func (c *Channel) reconcileCauseLocked(peerCause ymsg.Cause) ymsg.Cause {
	if c.durationLocked() > 0 {
		return ymsg.Cause{Code: 200, Text: "Normal call clearing"}
	}
	saved := c.savedCause
	if saved.IsZero() {
		saved = ymsg.DefaultCause()
	}
	if saved.Code == 487 && !peerCause.IsZero() {
		return peerCause
	}
	return saved
}

func (c *Channel) savedCauseSnapshot() ymsg.Cause {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.savedCause
}

func (c *Channel) setSavedCause(cause ymsg.Cause) {
	c.mu.Lock()
	c.savedCause = cause
	c.mu.Unlock()
}

// OnEnd subscribes to the terminal event. On an already terminated
// channel the handler fires immediately with the reconciled cause.
func (c *Channel) OnEnd(fn func(cause Cause)) {
	c.mu.Lock()
	if c.terminated {
		final := c.finalCause
		c.mu.Unlock()
		fn(final)
		return
	}
	c.onEnd = append(c.onEnd, fn)
	c.mu.Unlock()
}

// OnTimeout subscribes to the duration timer firing.
func (c *Channel) OnTimeout(fn func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return ErrChannelTerminated
	}
	c.onTimeout = append(c.onTimeout, fn)
	return nil
}

// OnPeer subscribes to the peer link being established.
func (c *Channel) OnPeer(fn func(peer *Channel)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return ErrChannelTerminated
	}
	c.onPeer = append(c.onPeer, fn)
	return nil
}

// OnFork subscribes to outgoing fork legs being started for this call.
// The route may be nil when the engine named a leg we can not map back.
func (c *Channel) OnFork(fn func(fork *Channel, route *Route)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return ErrChannelTerminated
	}
	c.onFork = append(c.onFork, fn)
	return nil
}

// OnDTMF subscribes to DTMF digits pressed on this channel.
func (c *Channel) OnDTMF(fn func(text string)) error {
	if c.isTerminated() {
		return ErrChannelTerminated
	}
	_, err := c.e.subscribeChan(c.ID(), evDTMF, false, func(_ *ymsg.Message, text string) {
		fn(text)
	})
	return err
}

func (c *Channel) emitPeer(peer *Channel) {
	c.mu.Lock()
	handlers := append([]func(*Channel){}, c.onPeer...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(peer)
	}
}

func (c *Channel) emitFork(fork *Channel, route *Route) {
	c.mu.Lock()
	handlers := append([]func(*Channel, *Route){}, c.onFork...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(fork, route)
	}
}

// SetTimeout arms the single-shot duration timer, replacing any previous
// one. When it fires the channel reports timeout and asks the engine to
// drop the call with reason "Payment Required".
func (c *Channel) SetTimeout(d time.Duration) error {
	if d < 0 {
		return ErrInvalidTimeout
	}
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return ErrChannelTerminated
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(d, c.timerFired)
	c.mu.Unlock()
	return nil
}

func (c *Channel) timerFired() {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	handlers := append([]func(){}, c.onTimeout...)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}

	drop := ymsg.NewMessage("call.drop")
	drop.Params.Add("id", c.id)
	drop.Params.Add("reason", "Payment Required")
	if err := c.e.dispatch(drop); err != nil {
		c.e.emitError(fmt.Errorf("timeout drop %s: %w", c.id, err))
	}
}

// dispatch sends a message on behalf of the channel. Terminated channels
// send nothing.
func (c *Channel) dispatch(m *ymsg.Message) error {
	if c.isTerminated() {
		return ErrChannelTerminated
	}
	return c.e.dispatch(m)
}

// beginRouting flips the routed flag. Exactly one routing operation may
// win; the flag is rolled back only when the route reply could not be
// produced at all.
func (c *Channel) beginRouting() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.terminated:
		return ErrChannelTerminated
	case c.callRoute == nil:
		return ErrNotRouting
	case c.routed:
		return ErrChannelRouted
	}
	c.routed = true
	return nil
}

func (c *Channel) rollbackRouting() {
	c.mu.Lock()
	c.routed = false
	c.mu.Unlock()
}

// replyToRoute answers the pending call.route. Positive replies offer RTP
// forwarding when the engine said it is possible and the session allows it.
func (c *Channel) replyToRoute(processed bool, retvalue string, params ymsg.Params) error {
	c.mu.Lock()
	route := c.callRoute
	if route == nil || c.replied {
		c.mu.Unlock()
		return ErrNotRouting
	}
	c.replied = true
	c.mu.Unlock()

	r := route.Reply(processed)
	r.RetValue = retvalue
	r.Params = params
	if processed && c.e.rtpForward && route.Get("rtp_forward") == "possible" {
		r.Params.Set("rtp_forward", "yes")
	}
	return c.e.dispatch(r)
}

// RouteToDestination answers the pending route with a callfork covering
// every route of the destination, then tracks the fork legs: the first
// leg that connects back to this call becomes the peer, busy legs take
// the whole call down.
func (c *Channel) RouteToDestination(dest *Destination) error {
	if dest == nil || len(dest.Routes) == 0 {
		return ErrNoRoutes
	}
	if err := c.beginRouting(); err != nil {
		return err
	}

	timeout := dest.Timeout
	if timeout <= 0 {
		timeout = c.e.callTimeout
	}
	setup := dest.SetupTimeout
	if setup <= 0 {
		setup = c.e.callSetupTimeout
	}

	d := *dest
	if d.Caller == "" {
		d.Caller = c.Caller()
	}
	if d.Called == "" {
		d.Called = c.Called()
	}

	retvalue, params, plan, err := forkParams(&d)
	if err != nil {
		c.rollbackRouting()
		return err
	}
	// The engine counts setup into the total cap, so over-budget by the
	// setup time here; the post-connect timer enforces the precise limit.
	params.Add("maxcall", formatMS(setup))
	params.Add("timeout", formatMS(timeout+setup))

	if err := c.replyToRoute(true, retvalue, params); err != nil {
		return err
	}

	parent := c.id
	c.e.subscribeChan(parent, evExecuteFork, false, func(m *ymsg.Message, _ string) {
		sid := m.Get("peerid")
		if sid == "" {
			c.e.emitError(fmt.Errorf("fork leg for %s without peerid", parent))
			return
		}
		c.trackForkLeg(sid, plan.routeFor(m.Get("id")), timeout)
	})
	return nil
}

func (c *Channel) trackForkLeg(sid string, route *Route, timeout time.Duration) {
	fork := newPeerChannel(c.e, sid)
	c.emitFork(fork, route)

	c.e.subscribeChan(sid, evConnected, false, func(m *ymsg.Message, _ string) {
		if m.Get("peerid") != c.id {
			return
		}
		if !bindPeers(c, fork) {
			// another leg won the race
			return
		}
		now := time.Now()
		c.setConnectTime(now)
		fork.setConnectTime(now)
		// the timer lives on the fork leg: a dumb parent going away must
		// not take the duration cap with it
		fork.SetTimeout(timeout)
		c.emitPeer(fork)
		fork.emitPeer(c)
	})

	c.e.subscribeChan(sid, evHangup, false, func(m *ymsg.Message, _ string) {
		cause := causeFromHangup(m)
		c.setSavedCause(cause)
		if cause.Code == 486 {
			// fork.stop=busy should do this already, belt and braces
			c.Terminate(cause)
		}
	})
}

// RouteToIVR answers the pending route with a dumb peer and brings an IVR
// up on it once the engine connects the two. The returned IVR is usable
// immediately: sounds enqueued before the legs are connected start
// playing on the peer event.
func (c *Channel) RouteToIVR() (*IVR, error) {
	if err := c.beginRouting(); err != nil {
		return nil, err
	}

	ivr := newDetachedIVR(c.e)
	if err := c.replyToRoute(true, "dumb/", nil); err != nil {
		return nil, err
	}

	c.e.subscribeChan(c.id, evConnectedAsPeer, true, func(m *ymsg.Message, _ string) {
		dumbID := m.Get("id")
		if dumbID == "" {
			c.e.emitError(fmt.Errorf("dumb peer for %s without id", c.id))
			return
		}

		answer := ymsg.NewMessage("call.answered")
		answer.Params.Add("id", dumbID)
		answer.Params.Add("targetid", c.id)
		if err := c.e.dispatch(answer); err != nil {
			c.e.emitError(fmt.Errorf("answer dumb peer %s: %w", dumbID, err))
		}

		ivr.attach(dumbID)
		if !bindPeers(c, ivr.Channel) {
			return
		}
		now := time.Now()
		c.setConnectTime(now)
		ivr.Channel.setConnectTime(now)
		ivr.Channel.SetTimeout(c.e.callTimeout)

		// a short silence first, otherwise the head of the first prompt
		// gets clipped while audio starts up
		ivr.attachTone("silence")
		time.AfterFunc(1200*time.Millisecond, func() {
			c.emitPeer(ivr.Channel)
			ivr.Channel.emitPeer(c)
		})
	})
	return ivr, nil
}

// ConnectToChannel asks the engine to connect this channel with another
// live channel and establishes the local peer link.
func (c *Channel) ConnectToChannel(peer *Channel) error {
	if c.isTerminated() || peer.isTerminated() {
		return ErrChannelTerminated
	}

	m := ymsg.NewMessage("chan.connect")
	m.Params.Add("id", c.id)
	m.Params.Add("targetid", peer.id)
	if err := c.dispatch(m); err != nil {
		return err
	}

	bindPeers(c, peer)
	c.emitPeer(peer)
	peer.emitPeer(c)
	return nil
}

// RecordOptions selects which legs to record and into which files. Paths
// must be absolute. MaxLen optionally caps the recording in bytes.
type RecordOptions struct {
	Call   string
	Peer   string
	MaxLen int
}

// RecordAudio starts recording one or both legs of the call.
func (c *Channel) RecordAudio(opt RecordOptions) error {
	if opt.Call == "" && opt.Peer == "" {
		return errors.New("record needs at least one target file")
	}
	for _, p := range []string{opt.Call, opt.Peer} {
		if p != "" && !strings.HasPrefix(p, "/") {
			return ErrRelativePath
		}
	}

	m := ymsg.NewMessage("chan.record")
	m.Params.Add("id", c.id)
	m.Params.AddNonEmpty("call", prefixedSource("wave/record/", opt.Call))
	m.Params.AddNonEmpty("peer", prefixedSource("wave/record/", opt.Peer))
	if opt.MaxLen > 0 {
		m.Params.Add("maxlen", strconv.Itoa(opt.MaxLen))
	}
	return c.dispatch(m)
}

func prefixedSource(prefix, path string) string {
	if path == "" {
		return ""
	}
	return prefix + path
}

// Terminate ends the call locally. Idempotent. A routing-mode channel
// that never replied answers its pending route negatively, then the
// engine is asked to drop the channel.
func (c *Channel) Terminate(cause Cause) error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return nil
	}
	needReply := c.callRoute != nil && !c.replied
	c.mu.Unlock()

	if cause.IsZero() {
		cause = ymsg.DefaultCause()
	}
	c.doTerminate(cause)

	if needReply {
		c.mu.Lock()
		route := c.callRoute
		replied := c.replied
		c.replied = true
		c.mu.Unlock()
		if route != nil && !replied {
			if err := c.e.dispatch(route.Reply(false)); err != nil {
				c.e.emitError(fmt.Errorf("route reject %s: %w", c.id, err))
			}
		}
	}

	drop := ymsg.NewMessage("call.drop")
	drop.Params.Add("id", c.id)
	drop.Params.Add("reason", cause.Text)
	return c.e.dispatch(drop)
}

// doTerminate is the single terminal transition. It is idempotent, saves
// the first cause, cancels the timer, reconciles the final cause and
// fires end before wiping every subscription of the channel.
func (c *Channel) doTerminate(cause ymsg.Cause) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	if c.savedCause.IsZero() {
		c.savedCause = cause
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.disconnectTime = time.Now()
	peer := c.peer
	c.peer = nil
	c.mu.Unlock()

	var peerCause ymsg.Cause
	if peer != nil {
		peerCause = peer.savedCauseSnapshot()
		peer.dropPeer(c)
	}

	c.mu.Lock()
	c.finalCause = c.reconcileCauseLocked(peerCause)
	final := c.finalCause
	handlers := c.onEnd
	c.onEnd = nil
	c.onTimeout = nil
	c.onPeer = nil
	c.onFork = nil
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(final)
	}
	c.e.clearChanSubs(c.id)
}

func (c *Channel) setConnectTime(t time.Time) {
	c.mu.Lock()
	if c.connectTime.IsZero() {
		c.connectTime = t
	}
	c.mu.Unlock()
}

func (c *Channel) dropPeer(from *Channel) {
	c.mu.Lock()
	if c.peer == from {
		c.peer = nil
	}
	c.mu.Unlock()
}

// bindPeers establishes the symmetric peer link. It refuses when either
// side is terminated or already has a different peer.
func bindPeers(a, b *Channel) bool {
	a.mu.Lock()
	if a.terminated || (a.peer != nil && a.peer != b) {
		a.mu.Unlock()
		return false
	}
	a.peer = b
	a.mu.Unlock()

	b.mu.Lock()
	if b.terminated || (b.peer != nil && b.peer != a) {
		b.mu.Unlock()
		a.dropPeer(b)
		return false
	}
	b.peer = a
	b.mu.Unlock()
	return true
}

// causeFromHangup extracts the disconnect cause of a chan.hangup message.
// Preference order: status phrase, reason phrase, numeric cause_sip.
func causeFromHangup(m *ymsg.Message) ymsg.Cause {
	if status := m.Get("status"); status != "" {
		if code, ok := ymsg.StatusCode(status); ok {
			return ymsg.Cause{Code: code, Text: status}
		}
	}

	reason := m.Get("reason")
	if reason == "" {
		reason = m.Get("reason_sip")
	}
	if reason != "" {
		// the engine's shorthand for a plain local hangup
		if reason == "hangup" {
			reason = "Request Terminated"
		}
		if code, ok := ymsg.StatusCode(reason); ok {
			return ymsg.Cause{Code: code, Text: reason}
		}
	}

	if causeSip := m.Get("cause_sip"); causeSip != "" {
		if code, err := strconv.Atoi(causeSip); err == nil {
			text := ymsg.StatusText(code)
			if text == "" {
				text = "Request Terminated"
			}
			return ymsg.Cause{Code: code, Text: text}
		}
	}

	return ymsg.DefaultCause()
}

func formatMS(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}
