// Package yatego is a client library for the Yate telephony engine's
// external-module protocol. An Engine holds one TCP session to the
// engine, installs handlers for routing, authentication and registration
// and fans engine events out to per-call Channel and IVR objects.
package yatego

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yatego/yatego/transport"
	"github.com/yatego/yatego/ymsg"
)

var (
	ErrInvalidPort     = errors.New("port must be a positive number")
	ErrEngineDestroyed = errors.New("engine already destroyed")
	ErrNoAuthenticator = errors.New("no authenticator configured")
)

// Messages the session installs handlers for. The engine will not deliver
// them unless the install was confirmed, hence the handshake gate.
var installedMessages = []struct {
	Name     string
	Priority int
}{
	{"call.route", 10},
	{"user.auth", 10},
	{"user.register", 10},
}

// Messages the session watches. Watches are observe-only, no reply owed.
var watchedMessages = []string{
	"call.execute",
	"user.login",
	"user.unregister",
	"user.notify",
	"chan.connected",
	"chan.hangup",
	"chan.notify",
	"chan.dtmf",
}

// Engine is one session to a Yate engine. All engine-wide state (carrier
// trunks, registered users, outstanding outgoing calls, channel event
// subscriptions) lives here, guarded by a single mutex. Event handlers
// are invoked outside the lock so they may call back into the API.
type Engine struct {
	host              string
	port              int
	reconnectInterval time.Duration
	authTimeout       time.Duration
	callTimeout       time.Duration
	callSetupTimeout  time.Duration
	allowUnregistered bool
	rtpForward        bool
	dialFunc          transport.DialFunc

	log zerolog.Logger
	tp  *transport.Transport

	mu              sync.Mutex
	auth            Authenticator
	ready           bool
	destroyed       bool
	pendingConfirms int
	bindSeq         uint64

	carriers       map[string]*Carrier
	users          map[string]*User
	outgoing       map[string]*outgoingCall
	channels       map[string]*Channel
	chanHandlers   map[string]map[string][]chanBinding
	pendingReplies map[string]func(m *ymsg.Message)

	onConnect        []func()
	onConnected      []func()
	onDisconnected   []func(error)
	onError          []func(error)
	onIncomingCall   []func(*Channel, IncomingCall)
	onOutgoingCall   []func(*IVR, *Destination)
	onCarrierOnline  []func(*Carrier)
	onCarrierOffline []func(*Carrier)
	onUserRegister   []func(*User)
	onUserUnregister []func(*User)
	onUserExpired    []func(*User)
	onSendLine       []func(string)
	onRecvLine       []func(string)
	onSuppressLine   []func(string)
	onInstallConfirm []func(string, bool)
	onWatchConfirm   []func(string, bool)
	onReplyUnhandled []func(*ymsg.Message)
}

type Option func(e *Engine) error

// WithHost sets the engine host.
// Default: localhost
func WithHost(host string) Option {
	return func(e *Engine) error {
		e.host = host
		return nil
	}
}

// WithLogger allows customizing engine logger
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) error {
		e.log = logger
		return nil
	}
}

// WithReconnectInterval sets the redial delay after a lost socket.
// Zero disables reconnecting; the only recourse then is Destroy and a
// fresh Engine.
// Default: 5s
func WithReconnectInterval(d time.Duration) Option {
	return func(e *Engine) error {
		e.reconnectInterval = d
		return nil
	}
}

// WithAuthenticator sets the host authentication policy invoked for
// user.auth requests.
func WithAuthenticator(a Authenticator) Option {
	return func(e *Engine) error {
		e.auth = a
		return nil
	}
}

// WithAuthenticateTimeout bounds how long an async authenticator may take
// before the request is denied.
// Default: 5s
func WithAuthenticateTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		e.authTimeout = d
		return nil
	}
}

// WithCallTimeout sets the default maximum call duration.
// Default: 2h
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		e.callTimeout = d
		return nil
	}
}

// WithCallSetupTimeout sets the default time budget for call setup.
// Default: 70s
func WithCallSetupTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		e.callSetupTimeout = d
		return nil
	}
}

// WithAllowUnregistered accepts every user.auth request without invoking
// the authenticator. Meant for closed network setups.
func WithAllowUnregistered() Option {
	return func(e *Engine) error {
		e.allowUnregistered = true
		return nil
	}
}

// WithRTPForward controls whether positive route replies offer
// rtp_forward=yes when the engine signalled it as possible.
// Default: enabled
func WithRTPForward(enabled bool) Option {
	return func(e *Engine) error {
		e.rtpForward = enabled
		return nil
	}
}

// WithDialFunc replaces the transport dialer. Used by tests.
func WithDialFunc(dial transport.DialFunc) Option {
	return func(e *Engine) error {
		e.dialFunc = dial
		return nil
	}
}

// New creates an engine session handle. It refuses to start without a
// valid port; everything else has defaults.
func New(port int, options ...Option) (*Engine, error) {
	if port <= 0 || port > 65535 {
		return nil, ErrInvalidPort
	}

	e := &Engine{
		host:              "localhost",
		port:              port,
		reconnectInterval: 5 * time.Second,
		authTimeout:       5 * time.Second,
		callTimeout:       2 * time.Hour,
		callSetupTimeout:  70 * time.Second,
		rtpForward:        true,
		log:               log.Logger.With().Str("caller", "Engine").Logger(),
		carriers:          make(map[string]*Carrier),
		users:             make(map[string]*User),
		outgoing:          make(map[string]*outgoingCall),
		channels:          make(map[string]*Channel),
		chanHandlers:      make(map[string]map[string][]chanBinding),
		pendingReplies:    make(map[string]func(*ymsg.Message)),
	}

	for _, o := range options {
		if err := o(e); err != nil {
			return nil, err
		}
	}

	addr := net.JoinHostPort(e.host, strconv.Itoa(e.port))
	tpOptions := []transport.Option{
		transport.WithReconnectInterval(e.reconnectInterval),
		transport.WithLogger(e.log.With().Str("caller", "transport").Logger()),
	}
	if e.dialFunc != nil {
		tpOptions = append(tpOptions, transport.WithDialFunc(e.dialFunc))
	}
	e.tp = transport.New(addr, tpOptions...)
	e.tp.OnLine(e.handleLine)
	e.tp.OnConnect(e.handshake)
	e.tp.OnDisconnect(e.handleDisconnect)

	return e, nil
}

// Connect dials the engine and runs the install/watch handshake. On
// failure it keeps retrying per the reconnect interval.
func (e *Engine) Connect() error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrEngineDestroyed
	}
	e.mu.Unlock()
	return e.tp.Connect()
}

// Destroy tears the session down and drops all state. The engine handle
// is unusable afterwards; calling twice is an error.
func (e *Engine) Destroy() error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrEngineDestroyed
	}
	e.destroyed = true
	e.ready = false
	e.carriers = make(map[string]*Carrier)
	e.users = make(map[string]*User)
	for _, oc := range e.outgoing {
		oc.timer.Stop()
	}
	e.outgoing = make(map[string]*outgoingCall)
	e.chanHandlers = make(map[string]map[string][]chanBinding)
	e.pendingReplies = make(map[string]func(*ymsg.Message))
	e.mu.Unlock()

	e.tp.Close()
	e.emitDisconnected(ErrEngineDestroyed)
	return nil
}

// Ready reports whether the socket is up and the handshake completed.
func (e *Engine) Ready() bool {
	e.mu.Lock()
	ready := e.ready
	e.mu.Unlock()
	return ready && e.tp.Ready()
}

// SetAuthenticator replaces the authentication policy.
func (e *Engine) SetAuthenticator(a Authenticator) {
	e.mu.Lock()
	e.auth = a
	e.mu.Unlock()
}

// ChannelCount returns the number of live tracked channels.
func (e *Engine) ChannelCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.channels)
}

// handshake runs once per fresh socket: greet, clean out any handler
// leftovers from a previous life, install and watch everything, then wait
// for the confirmation count before declaring the session ready.
func (e *Engine) handshake() {
	e.mu.Lock()
	e.pendingConfirms = len(installedMessages) + len(watchedMessages)
	e.pendingReplies = make(map[string]func(*ymsg.Message))
	e.mu.Unlock()

	e.writeLine(ymsg.EncodeConnect("global"), true)
	for _, im := range installedMessages {
		e.writeLine(ymsg.EncodeUninstall(im.Name), true)
	}
	for _, name := range watchedMessages {
		e.writeLine(ymsg.EncodeUnwatch(name), true)
	}
	for _, im := range installedMessages {
		e.writeLine(ymsg.EncodeInstall(im.Priority, im.Name), true)
	}
	for _, name := range watchedMessages {
		e.writeLine(ymsg.EncodeWatch(name), true)
	}

	e.emitConnect()
}

func (e *Engine) handleDisconnect(err error) {
	e.mu.Lock()
	e.ready = false
	e.pendingConfirms = 0
	e.pendingReplies = make(map[string]func(*ymsg.Message))
	var carriers []*Carrier
	for _, c := range e.carriers {
		if c.active {
			c.active = false
			carriers = append(carriers, c)
		}
	}
	e.mu.Unlock()

	metricDisconnects.Inc()
	for _, c := range carriers {
		e.emitCarrierOffline(c)
	}
	e.emitDisconnected(err)
}

// confirm consumes one install or watch confirmation. The session flips
// to ready exactly when the count for the current socket reaches the
// install-plus-watch set size.
func (e *Engine) confirm() {
	e.mu.Lock()
	if e.pendingConfirms == 0 {
		e.mu.Unlock()
		return
	}
	e.pendingConfirms--
	becameReady := e.pendingConfirms == 0
	if becameReady {
		e.ready = true
	}
	var replay []*Carrier
	if becameReady {
		for _, c := range e.carriers {
			replay = append(replay, c)
		}
	}
	e.mu.Unlock()

	if !becameReady {
		return
	}
	e.tp.SetReady(true)
	e.log.Debug().Msg("Session initialized")
	e.emitConnected()
	if len(replay) > 0 {
		if err := e.SetCarriers(replay); err != nil {
			e.emitError(fmt.Errorf("carrier replay: %w", err))
		}
	}
}

// handleLine is the single entry point for inbound frames. Nothing may
// panic out of here; a broken frame is dropped and reported.
func (e *Engine) handleLine(line string) {
	metricLinesRead.Inc()
	e.emitRecvLine(line)

	frame, err := ymsg.Decode(line)
	if err != nil {
		e.emitError(fmt.Errorf("decode: %w", err))
		return
	}

	switch f := frame.(type) {
	case nil:
		// uninstall/unwatch confirmations, ignored
	case *ymsg.InstallReply:
		e.emitInstallConfirm(f.Name, f.Success)
		e.confirm()
	case *ymsg.WatchReply:
		e.emitWatchConfirm(f.Name, f.Success)
		e.confirm()
	case *ymsg.Message:
		if f.IsRequest() {
			e.handleRequest(f)
		} else {
			e.handleReply(f)
		}
	}
}

func (e *Engine) handleRequest(m *ymsg.Message) {
	defer func() {
		if r := recover(); r != nil {
			e.emitError(fmt.Errorf("handler panic on %s: %v", m.Name, r))
		}
	}()

	switch m.Name {
	case "call.route":
		e.handleCallRoute(m)
	case "user.auth":
		e.handleUserAuth(m)
	case "user.register":
		e.handleUserRegister(m)
	default:
		if isWatched(m.Name) {
			e.handleWatched(m)
			return
		}
		e.reply(m, false)
		e.emitReplyUnhandled(m)
	}
}

func (e *Engine) handleReply(m *ymsg.Message) {
	e.mu.Lock()
	fn := e.pendingReplies[m.ID]
	if fn != nil {
		delete(e.pendingReplies, m.ID)
	}
	e.mu.Unlock()

	if fn != nil {
		fn(m)
	}
	if isWatched(m.Name) {
		e.handleWatched(m)
	}
}

func isWatched(name string) bool {
	for _, w := range watchedMessages {
		if w == name {
			return true
		}
	}
	return false
}

// dispatch encodes and writes one message, gated on session readiness.
func (e *Engine) dispatch(m *ymsg.Message) error {
	return e.writeLine(ymsg.Encode(m), false)
}

// dispatchWithReply registers a correlation callback for the reply the
// engine will send for our request, then dispatches.
func (e *Engine) dispatchWithReply(m *ymsg.Message, fn func(reply *ymsg.Message)) error {
	e.mu.Lock()
	e.pendingReplies[m.ID] = fn
	e.mu.Unlock()

	if err := e.dispatch(m); err != nil {
		e.mu.Lock()
		delete(e.pendingReplies, m.ID)
		e.mu.Unlock()
		return err
	}
	return nil
}

// reply answers an installed message. Only reserved attributes of the
// original survive; extras become the reply parameters.
func (e *Engine) reply(m *ymsg.Message, processed bool, extra ...ymsg.Param) error {
	return e.dispatch(m.Reply(processed, extra...))
}

func (e *Engine) writeLine(line string, force bool) error {
	err := e.tp.Write(line, force)
	switch {
	case err == nil:
		metricLinesWritten.Inc()
		e.emitSendLine(line)
	case errors.Is(err, transport.ErrNotReady):
		e.emitSuppressLine(line)
	default:
		e.emitError(fmt.Errorf("write: %w", err))
	}
	return err
}

func (e *Engine) registerChannel(c *Channel) {
	e.mu.Lock()
	e.channels[c.id] = c
	e.mu.Unlock()
}

func (e *Engine) forgetChannel(id string) {
	e.mu.Lock()
	delete(e.channels, id)
	e.mu.Unlock()
}

func (e *Engine) channelByID(id string) *Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channels[id]
}
