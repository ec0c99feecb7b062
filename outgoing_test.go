package yatego

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yatego/yatego/ymsg"
)

func TestMakeCall(t *testing.T) {
	e, conn := newTestEngine(t)
	initSession(t, e, conn)

	dest := &Destination{
		Called:       "31999",
		Routes:       []*Route{{Host: "gw1"}},
		Timeout:      time.Minute,
		SetupTimeout: 10 * time.Second,
	}

	var cbErr error
	var cbIVR *IVR
	id, err := e.MakeCall(dest, func(err error, ivr *IVR, d *Destination) {
		cbErr = err
		cbIVR = ivr
		assert.Same(t, dest, d)
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := decodeLines(t, conn.Lines())
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, "call.execute", m.Name)
	assert.Equal(t, "dumb/", m.Get("callto"))
	assert.Equal(t, "31999", m.Get("target"))
	assert.Equal(t, id, m.Get("callername"))
	assert.Equal(t, "10000", m.Get("maxcall"))
	assert.Equal(t, "70000", m.Get("timeout"))
	conn.Reset()

	var eventIVR *IVR
	e.OnOutgoingCall(func(ivr *IVR, d *Destination) { eventIVR = ivr })

	// the dumb channel comes back asking for its route
	e.handleLine("%%>message:0x2:1700000000:call.route::id=dumb/7:caller=dumb/:callername=" + id)

	require.NoError(t, cbErr)
	require.NotNil(t, cbIVR)
	assert.Same(t, cbIVR, eventIVR)
	assert.Equal(t, "dumb/7", cbIVR.ID())

	msgs = decodeLines(t, conn.Lines())
	require.Len(t, msgs, 1)
	reply := msgs[0]
	assert.Equal(t, "call.route", reply.Name)
	assert.Equal(t, "0x2", reply.ID)
	assert.True(t, reply.Processed)
	assert.Equal(t, "fork", reply.RetValue)
	assert.Equal(t, "sip/sip:31999@gw1", reply.Get("callto.1"))
}

func TestMakeCallValidation(t *testing.T) {
	e, conn := newTestEngine(t)
	initSession(t, e, conn)

	_, err := e.MakeCall(nil, nil)
	require.ErrorIs(t, err, ErrNoRoutes)

	_, err = e.MakeCall(&Destination{Routes: []*Route{{Host: "gw1"}}}, nil)
	require.ErrorIs(t, err, ErrNoCalled)
}

func TestMakeCallInitTimeout(t *testing.T) {
	prev := outgoingInitTimeout
	outgoingInitTimeout = 20 * time.Millisecond
	t.Cleanup(func() { outgoingInitTimeout = prev })

	e, conn := newTestEngine(t)
	initSession(t, e, conn)

	done := make(chan error, 1)
	id, err := e.MakeCall(&Destination{Called: "100", Routes: []*Route{{Host: "gw1"}}},
		func(err error, ivr *IVR, d *Destination) {
			done <- err
		})
	require.NoError(t, err)

	select {
	case cbErr := <-done:
		require.ErrorIs(t, cbErr, ErrOutgoingTimeout)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	// the entry is gone, a late return leg is not recognized
	conn.Reset()
	e.handleLine("%%>message:0x2:1700000000:call.route::id=dumb/7:caller=dumb/:callername=" + id)
	lines := conn.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "%%<message:0x2:false:call.route:", lines[0],
		"an unknown dumb leg with no called number is refused")
}

func TestMakeCallNotReady(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.MakeCall(&Destination{Called: "100", Routes: []*Route{{Host: "gw1"}}}, nil)
	require.Error(t, err)

	e.mu.Lock()
	pending := len(e.outgoing)
	e.mu.Unlock()
	assert.Zero(t, pending, "a failed dispatch leaves no entry behind")
}

func TestMakeCallTargetFromRoute(t *testing.T) {
	e, conn := newTestEngine(t)
	initSession(t, e, conn)

	_, err := e.MakeCall(&Destination{Routes: []*Route{{Host: "gw1", Called: "100"}}}, nil)
	require.NoError(t, err)

	msgs := decodeLines(t, conn.Lines())
	require.Len(t, msgs, 1)
	assert.Equal(t, "100", msgs[0].Get("target"))
}

// ensure the correlation key survives an encode/decode round trip
func TestMakeCallIDRoundTrip(t *testing.T) {
	e, conn := newTestEngine(t)
	initSession(t, e, conn)

	id, err := e.MakeCall(&Destination{Called: "100", Routes: []*Route{{Host: "gw1"}}}, nil)
	require.NoError(t, err)

	msgs := decodeLines(t, conn.Lines())
	require.Len(t, msgs, 1)
	require.Equal(t, id, msgs[0].Get("callername"))

	frame, err := ymsg.Decode(ymsg.Encode(msgs[0]))
	require.NoError(t, err)
	assert.Equal(t, id, frame.(*ymsg.Message).Get("callername"))
}
