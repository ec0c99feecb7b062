package yatego

import (
	"fmt"
	"strings"
	"time"

	"github.com/yatego/yatego/ymsg"
)

// Channel event names used as fan-out keys. Subscribers are keyed by
// (channel id, event) and run in subscription order.
const (
	evConnected       = "onConnected"
	evConnectedAsPeer = "onConnectedAsPeer"
	evSlaveConnected  = "onSlaveConnected"
	evHangup          = "onHangup"
	evNotify          = "onNotify"
	evDTMF            = "onDTMF"
	evExecute         = "onExecute"
	evExecuteFork     = "onExecuteFork"
)

// chanHandler receives the raw engine message plus an event-specific
// argument: the DTMF text or the fork slave index.
type chanHandler func(m *ymsg.Message, arg string)

type chanBinding struct {
	seq  uint64
	once bool
	fn   chanHandler
}

// Binding is a handle for one channel-event subscription, usable to
// remove it before the channel hangs up.
type Binding struct {
	e     *Engine
	chan_ string
	event string
	seq   uint64
}

// Remove unsubscribes. Safe to call after the hangup wiped everything.
func (b *Binding) Remove() {
	if b == nil {
		return
	}
	e := b.e
	e.mu.Lock()
	defer e.mu.Unlock()
	events := e.chanHandlers[b.chan_]
	if events == nil {
		return
	}
	list := events[b.event]
	for i, cb := range list {
		if cb.seq == b.seq {
			events[b.event] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// subscribeChan adds a handler for one event on one channel id. Channels
// already hung up reject new subscriptions.
func (e *Engine) subscribeChan(chanID, event string, once bool, fn chanHandler) (*Binding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c := e.channels[chanID]; c != nil && c.isTerminated() {
		return nil, ErrChannelTerminated
	}

	e.bindSeq++
	b := chanBinding{seq: e.bindSeq, once: once, fn: fn}
	events := e.chanHandlers[chanID]
	if events == nil {
		events = make(map[string][]chanBinding)
		e.chanHandlers[chanID] = events
	}
	events[event] = append(events[event], b)

	return &Binding{e: e, chan_: chanID, event: event, seq: e.bindSeq}, nil
}

// fireChan invokes all handlers for (chanID, event), consuming once
// subscriptions atomically. A panicking handler is reported as an engine
// error and does not abort the batch.
func (e *Engine) fireChan(chanID, event string, m *ymsg.Message, arg string) {
	e.mu.Lock()
	var handlers []chanBinding
	if events := e.chanHandlers[chanID]; events != nil {
		list := events[event]
		handlers = append(handlers, list...)
		kept := list[:0]
		for _, cb := range list {
			if !cb.once {
				kept = append(kept, cb)
			}
		}
		events[event] = kept
	}
	e.mu.Unlock()

	for _, cb := range handlers {
		e.invokeChanHandler(chanID, event, cb, m, arg)
	}
}

func (e *Engine) invokeChanHandler(chanID, event string, cb chanBinding, m *ymsg.Message, arg string) {
	defer func() {
		if r := recover(); r != nil {
			e.emitError(fmt.Errorf("channel %s handler %s panic: %v", chanID, event, r))
		}
	}()
	cb.fn(m, arg)
}

// clearChanSubs wipes every subscription of one channel id. Called after
// the hangup fan-out ran: chan.hangup is the last event for a channel.
func (e *Engine) clearChanSubs(chanID string) {
	e.mu.Lock()
	delete(e.chanHandlers, chanID)
	e.mu.Unlock()
}

// triggerChannelEvent synthesizes a channel event without an engine round
// trip. The IVR tone timer uses it to fake the chan.notify a wave file
// would have produced.
func (e *Engine) triggerChannelEvent(chanID, event string, m *ymsg.Message) {
	if m == nil {
		m = &ymsg.Message{
			Name: "chan.notify",
			ID:   ymsg.NextMessageID(),
			Type: ymsg.Reply,
			Time: time.Now().Unix(),
		}
		m.Params.Add("targetid", chanID)
	}
	e.fireChan(chanID, event, m, "")
}

// handleWatched routes one watched engine message into channel events.
func (e *Engine) handleWatched(m *ymsg.Message) {
	switch m.Name {
	case "chan.connected":
		id := m.Get("id")
		peerid := m.Get("peerid")
		if id != "" {
			e.fireChan(id, evConnected, m, "")
		}
		if peerid != "" {
			e.fireChan(peerid, evConnectedAsPeer, m, "")
		}
		if master, slave := forkMaster(peerid); master != "" {
			e.fireChan(master, evSlaveConnected, m, slave)
		}

	case "chan.hangup":
		id := m.Get("id")
		e.fireChan(id, evHangup, m, "")
		e.clearChanSubs(id)
		e.forgetChannel(id)

	case "chan.notify":
		e.fireChan(m.Get("targetid"), evNotify, m, "")

	case "chan.dtmf":
		e.fireChan(m.Get("id"), evDTMF, m, m.Get("text"))

	case "call.execute":
		id := m.Get("id")
		e.fireChan(id, evExecute, m, "")
		if orig := m.Get("fork.origid"); orig != "" {
			e.fireChan(orig, evExecuteFork, m, "")
		}

	case "user.login":
		// observe-only; the reply correlation updates carrier state

	case "user.unregister":
		e.handleUserUnregister(m)

	case "user.notify":
		e.handleUserNotify(m)
	}
}

// forkMaster splits a callfork slave channel id (fork/<n>/<k>) into the
// master id (fork/<n>) and the slave index (<k>).
func forkMaster(chanID string) (master, slave string) {
	if !strings.HasPrefix(chanID, "fork/") {
		return "", ""
	}
	parts := strings.SplitN(chanID, "/", 3)
	if len(parts) < 3 {
		return "", ""
	}
	return parts[0] + "/" + parts[1], parts[2]
}
