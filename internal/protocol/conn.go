package protocol

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// Conn wraps a net.Conn with buffered frame reads and mutex-serialized frame
// writes. Multiple goroutines may call WriteFrame concurrently (the control
// handler answering auth while the router dispatches proxy requests); the
// write mutex guarantees frames never interleave on the wire.
//
// Reads are not serialized: exactly one goroutine owns the read side.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex
}

// NewConn wraps a raw network connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{
		conn: c,
		r:    bufio.NewReaderSize(c, 4096),
	}
}

// ReadFrame reads the next frame. Blocks until a full frame arrives, the
// read deadline expires, or the connection fails.
func (c *Conn) ReadFrame() (Frame, error) {
	return ReadFrame(c.r)
}

// WriteFrame writes one frame atomically. Safe for concurrent use.
func (c *Conn) WriteFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.conn, f)
}

// SetReadDeadline bounds subsequent reads. A zero time clears the deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Reader returns the buffered read side. After the framing phase of a proxy
// connection, the splicer must read from here rather than the raw conn so
// bytes already buffered are not lost.
func (c *Conn) Reader() *bufio.Reader {
	return c.r
}

// NetConn returns the underlying network connection, used by the splicer for
// writes and half-close.
func (c *Conn) NetConn() net.Conn {
	return c.conn
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection. Closing twice is harmless; the
// second close returns the net package's ErrClosed, which callers ignore.
func (c *Conn) Close() error {
	return c.conn.Close()
}
