package yatego

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yatego/yatego/fakes"
	"github.com/yatego/yatego/transport"
	"github.com/yatego/yatego/ymsg"
)

// newTestEngine runs an engine over an in-memory connection. Tests drive
// inbound frames by calling handleLine directly, so everything stays on
// the test goroutine.
func newTestEngine(t *testing.T, options ...Option) (*Engine, *fakes.Conn) {
	t.Helper()
	conn := fakes.NewConn()
	opts := append([]Option{
		WithReconnectInterval(0),
		WithDialFunc(func(addr string) (net.Conn, error) { return conn, nil }),
	}, options...)

	e, err := New(5039, opts...)
	require.NoError(t, err)
	require.NoError(t, e.Connect())
	t.Cleanup(func() { e.Destroy() })
	return e, conn
}

func confirmHandshake(t *testing.T, e *Engine) {
	t.Helper()
	for _, im := range installedMessages {
		e.handleLine(fmt.Sprintf("%%%%<install:%d:%s:true", im.Priority, im.Name))
	}
	for _, name := range watchedMessages {
		e.handleLine("%%<watch:" + name + ":true")
	}
	require.True(t, e.Ready())
}

// initSession completes the handshake and drops the handshake lines from
// the capture.
func initSession(t *testing.T, e *Engine, conn *fakes.Conn) {
	t.Helper()
	confirmHandshake(t, e)
	conn.Reset()
}

func TestNewInvalidPort(t *testing.T) {
	_, err := New(0)
	require.ErrorIs(t, err, ErrInvalidPort)
	_, err = New(70000)
	require.ErrorIs(t, err, ErrInvalidPort)
}

func TestHandshakeLines(t *testing.T) {
	_, conn := newTestEngine(t)

	want := []string{"%%>connect:global"}
	for _, im := range installedMessages {
		want = append(want, ymsg.EncodeUninstall(im.Name))
	}
	for _, name := range watchedMessages {
		want = append(want, ymsg.EncodeUnwatch(name))
	}
	for _, im := range installedMessages {
		want = append(want, ymsg.EncodeInstall(im.Priority, im.Name))
	}
	for _, name := range watchedMessages {
		want = append(want, ymsg.EncodeWatch(name))
	}
	assert.Equal(t, want, conn.Lines())
}

func TestHandshakeGate(t *testing.T) {
	e, _ := newTestEngine(t)

	var connected int
	e.OnConnected(func() { connected++ })

	for _, im := range installedMessages {
		e.handleLine(fmt.Sprintf("%%%%<install:%d:%s:true", im.Priority, im.Name))
	}
	for _, name := range watchedMessages[:len(watchedMessages)-1] {
		e.handleLine("%%<watch:" + name + ":true")
	}
	assert.False(t, e.Ready(), "ten confirmations are not enough")
	assert.Zero(t, connected)

	e.handleLine("%%<watch:" + watchedMessages[len(watchedMessages)-1] + ":true")
	assert.True(t, e.Ready())
	assert.Equal(t, 1, connected)
}

func TestHandshakeResetMidway(t *testing.T) {
	e, _ := newTestEngine(t)

	for _, im := range installedMessages {
		e.handleLine(fmt.Sprintf("%%%%<install:%d:%s:true", im.Priority, im.Name))
	}
	require.False(t, e.Ready())

	// socket lost mid-handshake, a fresh one needs the full count again
	e.handleDisconnect(fmt.Errorf("connection reset"))
	e.handshake()
	require.False(t, e.Ready())

	confirmHandshake(t, e)
}

func TestDispatchGatedUntilReady(t *testing.T) {
	e, _ := newTestEngine(t)

	var suppressed []string
	e.OnSuppressLine(func(line string) { suppressed = append(suppressed, line) })

	err := e.dispatch(ymsg.NewMessage("call.drop"))
	require.ErrorIs(t, err, transport.ErrNotReady)
	require.Len(t, suppressed, 1)

	confirmHandshake(t, e)
	require.NoError(t, e.dispatch(ymsg.NewMessage("call.drop")))
}

func TestUnhandledInstalledMessage(t *testing.T) {
	e, conn := newTestEngine(t)
	initSession(t, e, conn)

	var unhandled []*ymsg.Message
	e.OnReplyUnhandled(func(m *ymsg.Message) { unhandled = append(unhandled, m) })

	e.handleLine("%%>message:0x9:1700000000:call.cdr::billid=1")

	require.Len(t, unhandled, 1)
	assert.Equal(t, "call.cdr", unhandled[0].Name)

	lines := conn.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "%%<message:0x9:false:call.cdr:", lines[0])
}

func TestDecodeErrorKeepsSessionAlive(t *testing.T) {
	e, conn := newTestEngine(t)
	initSession(t, e, conn)

	var errs []error
	e.OnError(func(err error) { errs = append(errs, err) })

	e.handleLine("%%>garbage:1:2:3")
	require.Len(t, errs, 1)
	assert.True(t, e.Ready())
}

func TestDestroyTwice(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Destroy())
	require.ErrorIs(t, e.Destroy(), ErrEngineDestroyed)
	require.ErrorIs(t, e.Connect(), ErrEngineDestroyed)
}

func TestDisconnectDropsReadyAndCarriers(t *testing.T) {
	e, conn := newTestEngine(t)
	initSession(t, e, conn)

	require.NoError(t, e.SetCarriers([]*Carrier{{Host: "gw1", Username: "u"}}))
	e.handleLine(notifyLine(e.Carriers()[0].LineID(), true, ""))
	require.True(t, e.Carriers()[0].Active())

	var offline []*Carrier
	e.OnCarrierOffline(func(c *Carrier) { offline = append(offline, c) })

	e.handleDisconnect(fmt.Errorf("connection reset"))
	assert.False(t, e.Ready())
	require.Len(t, offline, 1)
	assert.False(t, offline[0].Active())
}

func TestIncomingCall(t *testing.T) {
	e, conn := newTestEngine(t)
	initSession(t, e, conn)

	var got IncomingCall
	var ch *Channel
	e.OnIncomingCall(func(c *Channel, call IncomingCall) {
		ch = c
		got = call
	})

	e.handleLine("%%>message:0x1:1700000000:call.route::id=sip/5:caller=200:called=100:billid=42:address=10.0.0.9%z5060")

	require.NotNil(t, ch)
	assert.Equal(t, "sip/5", ch.ID())
	assert.Equal(t, IncomingCall{Caller: "200", Called: "100", BillID: "42", CallerHost: "10.0.0.9"}, got)
	assert.Empty(t, conn.Lines(), "the route reply is owed by the host, not the session")
	assert.Equal(t, 1, e.ChannelCount())
}

func TestIncomingCallEmptyCalled(t *testing.T) {
	e, conn := newTestEngine(t)
	initSession(t, e, conn)

	e.OnIncomingCall(func(c *Channel, call IncomingCall) {
		t.Fatal("must not be offered")
	})

	e.handleLine("%%>message:0x1:1700000000:call.route::id=sip/5:caller=200:called=")

	lines := conn.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "%%<message:0x1:false:call.route:", lines[0])
}

func TestIncomingCallUnhandled(t *testing.T) {
	e, conn := newTestEngine(t)
	initSession(t, e, conn)

	var errs []error
	e.OnError(func(err error) { errs = append(errs, err) })

	e.handleLine("%%>message:0x1:1700000000:call.route::id=sip/5:caller=200:called=100")

	require.NotEmpty(t, errs)
	lines := conn.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "%%<message:0x1:false:call.route:", lines[0])
	assert.Contains(t, lines[1], "call.drop")
	assert.Contains(t, lines[1], "id=sip/5")
}
