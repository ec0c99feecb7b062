package yatego

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// attachedIVR builds an IVR on a fake dumb channel, started as if the
// peer link was already up.
func attachedIVR(t *testing.T, e *Engine) *IVR {
	t.Helper()
	ivr := newDetachedIVR(e)
	ivr.attach("dumb/1")
	return ivr
}

func TestIVRQueueFIFO(t *testing.T) {
	e, conn := newTestEngine(t)
	initSession(t, e, conn)
	ivr := attachedIVR(t, e)

	require.NoError(t, ivr.Play("/sounds/hello.wav"))
	require.NoError(t, ivr.PlayTone("busy", 10*time.Millisecond))
	require.NoError(t, ivr.Play("/sounds/bye.wav"))
	assert.Empty(t, conn.Lines(), "nothing plays before the peer link is up")

	var emptied int
	require.NoError(t, ivr.OnQueueEmpty(func() { emptied++ }))

	ivr.start()
	lines := conn.Lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "chan.attach")
	assert.Contains(t, lines[0], "source=wave/play//sounds/hello.wav")
	assert.Contains(t, lines[0], "notify=dumb/1")

	// the wave finished
	e.handleLine("%%<message::false:chan.notify::targetid=dumb/1")
	lines = conn.Lines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "source=tone/busy")

	// the tone timer synthesizes the next advance
	require.Eventually(t, func() bool {
		return len(conn.Lines()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, conn.Lines()[2], "source=wave/play//sounds/bye.wav")
	assert.Zero(t, emptied)

	e.handleLine("%%<message::false:chan.notify::targetid=dumb/1")
	lines = conn.Lines()
	require.Len(t, lines, 4)
	assert.Contains(t, lines[3], "source=tone/silence", "a drained queue falls back to comfort noise")
	assert.Equal(t, 1, emptied)
}

func TestIVREnqueueWhileIdleResumes(t *testing.T) {
	e, conn := newTestEngine(t)
	initSession(t, e, conn)
	ivr := attachedIVR(t, e)
	ivr.start()

	// empty start: silence
	lines := conn.Lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "source=tone/silence")

	require.NoError(t, ivr.Play("/sounds/menu.wav"))
	lines = conn.Lines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "source=wave/play//sounds/menu.wav")
}

func TestIVREnqueueValidation(t *testing.T) {
	e, conn := newTestEngine(t)
	initSession(t, e, conn)
	ivr := attachedIVR(t, e)

	require.ErrorIs(t, ivr.Play("relative.wav"), ErrRelativePath)
	require.Error(t, ivr.Enqueue(Sound{}))
	require.Error(t, ivr.Enqueue(Sound{Tone: "busy"}), "queued tones need a duration")
}

func TestIVRPlayToneDirect(t *testing.T) {
	e, conn := newTestEngine(t)
	initSession(t, e, conn)
	ivr := attachedIVR(t, e)

	require.NoError(t, ivr.PlayTone("dial", 0))
	lines := conn.Lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "source=tone/dial")
}

func TestIVRHangupEmitsQueueEmpty(t *testing.T) {
	e, conn := newTestEngine(t)
	initSession(t, e, conn)
	ivr := attachedIVR(t, e)

	require.NoError(t, ivr.Play("/sounds/hello.wav"))

	var emptied int
	require.NoError(t, ivr.OnQueueEmpty(func() { emptied++ }))
	var ended int
	ivr.OnEnd(func(Cause) { ended++ })

	e.handleLine("%%<message::false:chan.hangup::id=dumb/1:reason=hangup")

	assert.Equal(t, 1, emptied)
	assert.Equal(t, 1, ended)
	assert.True(t, ivr.Terminated())
	require.ErrorIs(t, ivr.Play("/sounds/late.wav"), ErrChannelTerminated)
}

func TestIVRDTMFBufferedUntilAttach(t *testing.T) {
	e, conn := newTestEngine(t)
	initSession(t, e, conn)

	ivr := newDetachedIVR(e)
	var digits []string
	require.NoError(t, ivr.OnDTMF(func(text string) { digits = append(digits, text) }))

	ivr.attach("dumb/1")
	e.handleLine("%%<message::false:chan.dtmf::id=dumb/1:text=5")

	require.Equal(t, []string{"5"}, digits)
}
