package yatego

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yatego/yatego/ymsg"
)

// Sound is one queue entry: either an absolute wave file path or a named
// engine tone. A tone with a duration yields the queue after that long; a
// tone without one plays until something else is attached.
type Sound struct {
	Path     string
	Tone     string
	Duration time.Duration
}

// IVR is a media leg built on a dumb engine channel. It plays a FIFO of
// sounds, falling back to silence when the queue drains so the RTP stream
// never stops. An IVR returned by RouteToIVR or MakeCall starts out
// detached: sounds and handlers may be set up right away and take effect
// once the engine brings the dumb leg up.
type IVR struct {
	*Channel

	mu           sync.Mutex
	queue        []Sound
	playing      bool
	started      bool
	toneTimer    *time.Timer
	pendingDTMF  []func(string)
	onQueueEmpty []func()
}

// newIVR wires the playback hooks around a channel. The channel may not
// have an engine id yet; attach binds the rest once it does.
func newIVR(c *Channel) *IVR {
	ivr := &IVR{Channel: c}
	ivr.Channel.OnPeer(func(*Channel) {
		ivr.start()
	})
	ivr.Channel.OnEnd(func(Cause) {
		ivr.mu.Lock()
		if ivr.toneTimer != nil {
			ivr.toneTimer.Stop()
			ivr.toneTimer = nil
		}
		ivr.queue = nil
		ivr.playing = false
		handlers := append([]func(){}, ivr.onQueueEmpty...)
		ivr.onQueueEmpty = nil
		ivr.mu.Unlock()
		for _, fn := range handlers {
			fn()
		}
	})
	return ivr
}

// newDetachedIVR returns an IVR with no engine channel yet. RouteToIVR
// attaches it once the engine created the dumb leg.
func newDetachedIVR(e *Engine) *IVR {
	return newIVR(&Channel{e: e, log: e.log.With().Str("caller", "IVR").Logger()})
}

// newAttachedIVR wraps an already tracked channel, typically the return
// leg of an outgoing call.
func newAttachedIVR(c *Channel) *IVR {
	ivr := newIVR(c)
	ivr.bindNotify()
	return ivr
}

// attach binds the IVR to the dumb channel the engine created for it.
func (ivr *IVR) attach(id string) {
	c := ivr.Channel
	c.mu.Lock()
	c.id = id
	c.log = c.e.log.With().Str("chan", id).Logger()
	c.mu.Unlock()
	c.init()
	ivr.bindNotify()

	ivr.mu.Lock()
	pending := ivr.pendingDTMF
	ivr.pendingDTMF = nil
	ivr.mu.Unlock()
	for _, fn := range pending {
		c.OnDTMF(fn)
	}
}

func (ivr *IVR) bindNotify() {
	c := ivr.Channel
	c.e.subscribeChan(c.ID(), evNotify, false, func(_ *ymsg.Message, _ string) {
		ivr.playNext()
	})
}

// Attached reports whether the dumb leg exists yet.
func (ivr *IVR) Attached() bool {
	return ivr.Channel.ID() != ""
}

// OnDTMF subscribes to digits. On a detached IVR the subscription is
// buffered until the dumb leg comes up.
func (ivr *IVR) OnDTMF(fn func(text string)) error {
	if ivr.Channel.ID() == "" {
		ivr.mu.Lock()
		defer ivr.mu.Unlock()
		ivr.pendingDTMF = append(ivr.pendingDTMF, fn)
		return nil
	}
	return ivr.Channel.OnDTMF(fn)
}

// OnQueueEmpty subscribes to the queue draining. Fires every time the
// last sound finishes, after silence was re-attached.
func (ivr *IVR) OnQueueEmpty(fn func()) error {
	if ivr.Channel.isTerminated() {
		return ErrChannelTerminated
	}
	ivr.mu.Lock()
	defer ivr.mu.Unlock()
	ivr.onQueueEmpty = append(ivr.onQueueEmpty, fn)
	return nil
}

// Enqueue appends sounds to the queue, starting playback when the leg is
// up and idle.
func (ivr *IVR) Enqueue(sounds ...Sound) error {
	if ivr.Channel.isTerminated() {
		return ErrChannelTerminated
	}
	for _, s := range sounds {
		switch {
		case s.Path != "" && !strings.HasPrefix(s.Path, "/"):
			return ErrRelativePath
		case s.Path == "" && s.Tone == "":
			return fmt.Errorf("sound needs a path or a tone")
		case s.Path == "" && s.Duration <= 0:
			return fmt.Errorf("queued tone %s needs a duration", s.Tone)
		}
	}

	ivr.mu.Lock()
	ivr.queue = append(ivr.queue, sounds...)
	kick := ivr.started && !ivr.playing
	ivr.mu.Unlock()

	if kick {
		ivr.playNext()
	}
	return nil
}

// Play enqueues one wave file.
func (ivr *IVR) Play(path string) error {
	return ivr.Enqueue(Sound{Path: path})
}

// PlayTone plays a named engine tone. With a positive duration the tone
// is queued like any sound; without one it is attached immediately,
// replacing whatever is playing.
func (ivr *IVR) PlayTone(name string, d time.Duration) error {
	if d > 0 {
		return ivr.Enqueue(Sound{Tone: name, Duration: d})
	}
	if ivr.Channel.isTerminated() {
		return ErrChannelTerminated
	}
	ivr.mu.Lock()
	if ivr.toneTimer != nil {
		ivr.toneTimer.Stop()
		ivr.toneTimer = nil
	}
	ivr.playing = false
	ivr.mu.Unlock()
	ivr.attachTone(name)
	return nil
}

func (ivr *IVR) start() {
	ivr.mu.Lock()
	if ivr.started {
		ivr.mu.Unlock()
		return
	}
	ivr.started = true
	ivr.mu.Unlock()
	ivr.playNext()
}

// playNext advances the queue. Wave files report completion through the
// engine's chan.notify; timed tones through the local timer faking one.
func (ivr *IVR) playNext() {
	ivr.mu.Lock()
	if ivr.toneTimer != nil {
		ivr.toneTimer.Stop()
		ivr.toneTimer = nil
	}
	if len(ivr.queue) == 0 {
		ivr.playing = false
		handlers := append([]func(){}, ivr.onQueueEmpty...)
		ivr.mu.Unlock()
		ivr.attachTone("silence")
		for _, fn := range handlers {
			fn()
		}
		return
	}
	s := ivr.queue[0]
	ivr.queue = ivr.queue[1:]
	ivr.playing = true
	ivr.mu.Unlock()

	if s.Path != "" {
		m := ymsg.NewMessage("chan.attach")
		m.Params.Add("id", ivr.Channel.ID())
		m.Params.Add("source", "wave/play/"+s.Path)
		m.Params.Add("notify", ivr.Channel.ID())
		if err := ivr.Channel.dispatch(m); err != nil {
			ivr.Channel.e.emitError(fmt.Errorf("attach %s: %w", s.Path, err))
		}
		return
	}

	ivr.attachTone(s.Tone)
	if s.Duration > 0 {
		ivr.mu.Lock()
		ivr.toneTimer = time.AfterFunc(s.Duration, func() {
			ivr.Channel.e.triggerChannelEvent(ivr.Channel.ID(), evNotify, nil)
		})
		ivr.mu.Unlock()
	}
}

func (ivr *IVR) attachTone(name string) {
	id := ivr.Channel.ID()
	if id == "" {
		return
	}
	m := ymsg.NewMessage("chan.attach")
	m.Params.Add("id", id)
	m.Params.Add("source", "tone/"+name)
	if err := ivr.Channel.dispatch(m); err != nil && err != ErrChannelTerminated {
		ivr.Channel.e.emitError(fmt.Errorf("attach tone %s: %w", name, err))
	}
}
