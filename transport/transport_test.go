package transport

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yatego/yatego/fakes"
)

func newTestTransport(t *testing.T, options ...Option) (*Transport, *fakes.Conn) {
	t.Helper()
	conn := fakes.NewConn()
	opts := append([]Option{
		WithReconnectInterval(0),
		WithDialFunc(func(addr string) (net.Conn, error) { return conn, nil }),
	}, options...)
	tp := New("localhost:5039", opts...)
	t.Cleanup(func() { tp.Close() })
	return tp, conn
}

func TestWriteGate(t *testing.T) {
	tp, conn := newTestTransport(t)

	require.ErrorIs(t, tp.Write("x", false), ErrNoConn)

	require.NoError(t, tp.Connect())
	require.ErrorIs(t, tp.Write("gated", false), ErrNotReady)
	require.NoError(t, tp.Write("forced", true))

	tp.SetReady(true)
	require.True(t, tp.Ready())
	require.NoError(t, tp.Write("normal", false))

	assert.Equal(t, []string{"forced", "normal"}, conn.Lines())
}

func TestReadLines(t *testing.T) {
	tp, conn := newTestTransport(t)

	lines := make(chan string, 4)
	tp.OnLine(func(line string) { lines <- line })
	require.NoError(t, tp.Connect())

	conn.Feed(t, "%%<watch:chan.dtmf:true")
	conn.Feed(t, "second\r")

	assert.Equal(t, "%%<watch:chan.dtmf:true", <-lines)
	assert.Equal(t, "second", <-lines, "carriage returns are stripped")
}

func TestOnConnectRunsBeforeRead(t *testing.T) {
	tp, _ := newTestTransport(t)

	connected := false
	tp.OnConnect(func() {
		connected = true
		require.NoError(t, tp.Write("greeting", true))
	})
	require.NoError(t, tp.Connect())
	require.True(t, connected)
}

func TestDisconnectCallback(t *testing.T) {
	tp, conn := newTestTransport(t)

	errs := make(chan error, 1)
	tp.OnDisconnect(func(err error) { errs <- err })
	require.NoError(t, tp.Connect())
	tp.SetReady(true)

	conn.FeedEOF()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("disconnect never reported")
	}
	assert.False(t, tp.Ready())
	require.ErrorIs(t, tp.Write("x", true), ErrNoConn)
}

func TestCloseStopsEverything(t *testing.T) {
	tp, _ := newTestTransport(t)
	require.NoError(t, tp.Connect())

	require.NoError(t, tp.Close())
	require.ErrorIs(t, tp.Close(), ErrClosed)
	require.ErrorIs(t, tp.Connect(), ErrClosed)
	require.ErrorIs(t, tp.Write("x", true), ErrNoConn)
}

func TestReconnectAfterDrop(t *testing.T) {
	conns := make(chan *fakes.Conn, 2)
	dial := func(addr string) (net.Conn, error) {
		c := fakes.NewConn()
		conns <- c
		return c, nil
	}

	tp := New("localhost:5039",
		WithReconnectInterval(10*time.Millisecond),
		WithDialFunc(dial),
	)
	t.Cleanup(func() { tp.Close() })

	require.NoError(t, tp.Connect())
	first := <-conns

	first.FeedEOF()

	select {
	case second := <-conns:
		require.NotSame(t, first, second)
	case <-time.After(time.Second):
		t.Fatal("no reconnect happened")
	}
}
