// Package transport provides the line-oriented TCP link to the Yate engine:
// one connection, newline framed ASCII, optional automatic reconnect.
package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed   = errors.New("transport closed")
	ErrNotReady = errors.New("transport not initialized")
	ErrNoConn   = errors.New("no active connection")
)

// LineHandler receives every inbound line with framing stripped.
type LineHandler func(line string)

// DialFunc opens the engine socket. Overridable for tests.
type DialFunc func(addr string) (net.Conn, error)

// Transport owns the single engine socket. Any prior socket is detached
// and destroyed before dialing again so close races can not leave two
// live connections behind.
type Transport struct {
	addr      string
	reconnect time.Duration
	dial      DialFunc
	log       zerolog.Logger

	onLine       LineHandler
	onConnect    func()
	onDisconnect func(err error)

	mu     sync.Mutex
	conn   net.Conn
	gen    int
	ready  bool
	closed bool
	retry  *time.Timer
}

type Option func(t *Transport)

// WithLogger allows customizing transport logger
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Transport) {
		t.log = logger
	}
}

// WithReconnectInterval sets the delay before redialing a lost socket.
// Zero disables reconnecting entirely.
func WithReconnectInterval(d time.Duration) Option {
	return func(t *Transport) {
		t.reconnect = d
	}
}

// WithDialFunc replaces the TCP dialer. Used by tests to run the
// transport over an in-memory connection.
func WithDialFunc(dial DialFunc) Option {
	return func(t *Transport) {
		t.dial = dial
	}
}

func New(addr string, options ...Option) *Transport {
	t := &Transport{
		addr:      addr,
		reconnect: 5 * time.Second,
		dial: func(addr string) (net.Conn, error) {
			return net.Dial("tcp", addr)
		},
		log: log.Logger.With().Str("caller", "transport").Logger(),
	}
	for _, o := range options {
		o(t)
	}
	return t
}

func (t *Transport) Addr() string {
	return t.addr
}

// OnLine sets the inbound line handler. Must be set before Connect.
func (t *Transport) OnLine(h LineHandler) {
	t.onLine = h
}

// OnConnect sets the callback fired after each successful dial.
func (t *Transport) OnConnect(h func()) {
	t.onConnect = h
}

// OnDisconnect sets the callback fired when the current socket dies.
func (t *Transport) OnDisconnect(h func(err error)) {
	t.onDisconnect = h
}

// Connect dials the engine. A failed dial schedules a retry per the
// reconnect interval and returns the dial error.
func (t *Transport) Connect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	// Detach any previous socket first so its read loop can not report
	// the disconnect of a connection we replaced on purpose.
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.gen++
	gen := t.gen
	t.ready = false
	addr := t.addr
	t.mu.Unlock()

	t.log.Debug().Str("raddr", addr).Msg("Dialing engine")
	conn, err := t.dial(addr)
	if err != nil {
		t.log.Error().Err(err).Str("raddr", addr).Msg("Dial failed")
		t.scheduleReconnect()
		return err
	}

	t.mu.Lock()
	if t.closed || t.gen != gen {
		// Replaced or closed while dialing
		t.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn, gen)

	if t.onConnect != nil {
		t.onConnect()
	}
	return nil
}

// SetReady opens or closes the gate for non-forced writes. The session
// flips it true once the install and watch handshake completed.
func (t *Transport) SetReady(ready bool) {
	t.mu.Lock()
	t.ready = ready
	t.mu.Unlock()
}

// Ready reports whether a socket is up and the write gate is open.
func (t *Transport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && t.ready
}

// Write sends one line, appending the newline terminator. Unless force is
// set, writes are refused until the session marked the link ready.
func (t *Transport) Write(line string, force bool) error {
	t.mu.Lock()
	conn := t.conn
	ready := t.ready
	t.mu.Unlock()

	if conn == nil {
		return ErrNoConn
	}
	if !ready && !force {
		return ErrNotReady
	}
	if _, err := io.WriteString(conn, line+"\n"); err != nil {
		return err
	}
	return nil
}

// Close tears the transport down for good. No reconnect will follow.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.closed = true
	t.ready = false
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (t *Transport) readLoop(conn net.Conn, gen int) {
	defer t.log.Debug().Msg("Connection read stopped")

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.dropped(conn, gen, err)
			return
		}

		line = trimLine(line)
		if line == "" {
			continue
		}
		if t.onLine != nil {
			t.onLine(line)
		}
	}
}

// dropped handles the death of a socket. Stale generations are ignored:
// the socket was already replaced and its fate no longer matters.
func (t *Transport) dropped(conn net.Conn, gen int, err error) {
	t.mu.Lock()
	if t.closed || t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.ready = false
	t.mu.Unlock()

	conn.Close()
	if !errors.Is(err, io.EOF) {
		t.log.Error().Err(err).Msg("Read error")
	}
	if t.onDisconnect != nil {
		t.onDisconnect(err)
	}
	t.scheduleReconnect()
}

func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.reconnect <= 0 {
		return
	}
	if t.retry != nil {
		t.retry.Stop()
	}
	t.retry = time.AfterFunc(t.reconnect, func() {
		t.Connect()
	})
}

func trimLine(line string) string {
	for len(line) > 0 {
		last := line[len(line)-1]
		if last != '\n' && last != '\r' {
			break
		}
		line = line[:len(line)-1]
	}
	return line
}
