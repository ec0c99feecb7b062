// Package fakes provides in-memory connections for testing the transport
// and the engine session without a running Yate.
package fakes

import (
	"bytes"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// Conn is an in-memory net.Conn. The test side injects engine output
// through Feed and inspects everything the client wrote through Lines.
type Conn struct {
	LAddr net.TCPAddr
	RAddr net.TCPAddr

	reader *io.PipeReader
	feeder *io.PipeWriter

	mu     sync.Mutex
	out    bytes.Buffer
	closed bool
}

func NewConn() *Conn {
	r, w := io.Pipe()
	return &Conn{
		reader: r,
		feeder: w,
	}
}

func (c *Conn) LocalAddr() net.Addr {
	return &c.LAddr
}

func (c *Conn) RemoteAddr() net.Addr {
	return &c.RAddr
}

func (c *Conn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	return c.out.Write(p)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.reader.Close()
}

func (c *Conn) SetDeadline(t time.Time) error      { return nil }
func (c *Conn) SetReadDeadline(t time.Time) error  { return nil }
func (c *Conn) SetWriteDeadline(t time.Time) error { return nil }

// Feed injects one line of engine output, terminator included.
func (c *Conn) Feed(t testing.TB, line string) {
	t.Helper()
	if _, err := io.WriteString(c.feeder, line+"\n"); err != nil {
		t.Fatal(err)
	}
}

// FeedEOF simulates the engine closing the socket.
func (c *Conn) FeedEOF() {
	c.feeder.Close()
}

// Lines returns everything the client wrote so far, split per line.
func (c *Conn) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := strings.TrimRight(c.out.String(), "\n")
	if data == "" {
		return nil
	}
	return strings.Split(data, "\n")
}

// Reset drops the write capture. Useful between test phases.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out.Reset()
}
