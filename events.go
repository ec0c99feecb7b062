package yatego

import (
	"github.com/yatego/yatego/ymsg"
)

// IncomingCall carries the routing facts of a call offered by the engine.
type IncomingCall struct {
	Caller     string
	Called     string
	BillID     string
	CallerHost string
}

// Event registration. Handlers run in registration order on the engine
// read loop; blocking inside one stalls frame processing.

// OnConnect registers a callback fired when the engine socket comes up,
// before the install/watch handshake completes.
func (e *Engine) OnConnect(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConnect = append(e.onConnect, fn)
}

// OnConnected registers a callback fired once the handshake completed and
// the session is ready for dispatching.
func (e *Engine) OnConnected(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConnected = append(e.onConnected, fn)
}

// OnDisconnected registers a callback fired when the engine socket dies.
func (e *Engine) OnDisconnected(fn func(err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDisconnected = append(e.onDisconnected, fn)
}

// OnError registers a callback for protocol, transport, handler and usage
// errors. Errors never abort the read loop.
func (e *Engine) OnError(fn func(err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = append(e.onError, fn)
}

// OnIncomingCall registers the call offer handler. A call offered while
// no handler is registered is terminated and reported through OnError.
func (e *Engine) OnIncomingCall(fn func(ch *Channel, call IncomingCall)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onIncomingCall = append(e.onIncomingCall, fn)
}

// OnOutgoingCall registers a callback fired when a MakeCall return leg
// arrived and its IVR is up.
func (e *Engine) OnOutgoingCall(fn func(ivr *IVR, dest *Destination)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onOutgoingCall = append(e.onOutgoingCall, fn)
}

// OnCarrierOnline registers a callback fired when a trunk registration
// becomes active.
func (e *Engine) OnCarrierOnline(fn func(c *Carrier)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCarrierOnline = append(e.onCarrierOnline, fn)
}

// OnCarrierOffline registers a callback fired when a trunk registration
// is lost or removed.
func (e *Engine) OnCarrierOffline(fn func(c *Carrier)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCarrierOffline = append(e.onCarrierOffline, fn)
}

// OnUserRegister registers a callback for accepted user.register messages.
func (e *Engine) OnUserRegister(fn func(u *User)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onUserRegister = append(e.onUserRegister, fn)
}

// OnUserUnregister registers a callback for user.unregister messages.
func (e *Engine) OnUserUnregister(fn func(u *User)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onUserUnregister = append(e.onUserUnregister, fn)
}

// OnUserExpired registers a callback fired when a lookup finds a
// registration past its lease.
func (e *Engine) OnUserExpired(fn func(u *User)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onUserExpired = append(e.onUserExpired, fn)
}

// Low-level trace events.

// OnSendLine registers a tap on every line written to the engine.
func (e *Engine) OnSendLine(fn func(line string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSendLine = append(e.onSendLine, fn)
}

// OnRecvLine registers a tap on every line read from the engine.
func (e *Engine) OnRecvLine(fn func(line string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRecvLine = append(e.onRecvLine, fn)
}

// OnSuppressLine registers a tap on lines refused because the session was
// not initialized yet.
func (e *Engine) OnSuppressLine(fn func(line string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSuppressLine = append(e.onSuppressLine, fn)
}

// OnInstallConfirm registers a tap on install confirmations.
func (e *Engine) OnInstallConfirm(fn func(name string, success bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onInstallConfirm = append(e.onInstallConfirm, fn)
}

// OnWatchConfirm registers a tap on watch confirmations.
func (e *Engine) OnWatchConfirm(fn func(name string, success bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onWatchConfirm = append(e.onWatchConfirm, fn)
}

// OnReplyUnhandled registers a tap on installed messages nobody handled;
// those are auto-replied with processed=false.
func (e *Engine) OnReplyUnhandled(fn func(m *ymsg.Message)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onReplyUnhandled = append(e.onReplyUnhandled, fn)
}

func (e *Engine) emitConnect() {
	e.mu.Lock()
	handlers := append([]func(){}, e.onConnect...)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (e *Engine) emitConnected() {
	e.mu.Lock()
	handlers := append([]func(){}, e.onConnected...)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (e *Engine) emitDisconnected(err error) {
	e.mu.Lock()
	handlers := append([]func(error){}, e.onDisconnected...)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(err)
	}
}

func (e *Engine) emitError(err error) {
	e.log.Error().Err(err).Msg("engine error")
	e.mu.Lock()
	handlers := append([]func(error){}, e.onError...)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(err)
	}
}

func (e *Engine) emitCarrierOnline(c *Carrier) {
	e.mu.Lock()
	handlers := append([]func(*Carrier){}, e.onCarrierOnline...)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(c)
	}
}

func (e *Engine) emitCarrierOffline(c *Carrier) {
	e.mu.Lock()
	handlers := append([]func(*Carrier){}, e.onCarrierOffline...)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(c)
	}
}

func (e *Engine) emitUserRegister(u *User) {
	e.mu.Lock()
	handlers := append([]func(*User){}, e.onUserRegister...)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(u)
	}
}

func (e *Engine) emitUserUnregister(u *User) {
	e.mu.Lock()
	handlers := append([]func(*User){}, e.onUserUnregister...)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(u)
	}
}

func (e *Engine) emitUserExpired(u *User) {
	e.mu.Lock()
	handlers := append([]func(*User){}, e.onUserExpired...)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(u)
	}
}

func (e *Engine) emitOutgoingCall(ivr *IVR, dest *Destination) {
	e.mu.Lock()
	handlers := append([]func(*IVR, *Destination){}, e.onOutgoingCall...)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(ivr, dest)
	}
}

func (e *Engine) emitSendLine(line string) {
	e.mu.Lock()
	handlers := append([]func(string){}, e.onSendLine...)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(line)
	}
}

func (e *Engine) emitRecvLine(line string) {
	e.mu.Lock()
	handlers := append([]func(string){}, e.onRecvLine...)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(line)
	}
}

func (e *Engine) emitSuppressLine(line string) {
	e.mu.Lock()
	handlers := append([]func(string){}, e.onSuppressLine...)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(line)
	}
}

func (e *Engine) emitInstallConfirm(name string, success bool) {
	e.mu.Lock()
	handlers := append([]func(string, bool){}, e.onInstallConfirm...)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(name, success)
	}
}

func (e *Engine) emitWatchConfirm(name string, success bool) {
	e.mu.Lock()
	handlers := append([]func(string, bool){}, e.onWatchConfirm...)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(name, success)
	}
}

func (e *Engine) emitReplyUnhandled(m *ymsg.Message) {
	e.mu.Lock()
	handlers := append([]func(*ymsg.Message){}, e.onReplyUnhandled...)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(m)
	}
}
