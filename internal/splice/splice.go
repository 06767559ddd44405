// Package splice joins two sockets into one bidirectional byte pipe.
//
// Both the server (public socket <-> proxy socket) and the agent (proxy
// socket <-> local service) use the same primitive, mirroring the shared
// join_streams helper the protocol was designed around.
package splice

import (
	"io"
	"net"
	"sync"
)

// bufSize is the per-direction copy buffer. Large enough that streaming
// responses do not pay per-chunk dispatch overhead.
const bufSize = 32 << 10

// halfCloser is implemented by *net.TCPConn and anything else that can shut
// down its write side independently of its read side.
type halfCloser interface {
	CloseWrite() error
}

// Endpoint is one side of a splice. Reader may differ from Conn when framing
// left buffered bytes behind (see protocol.Conn.Reader); writes always go to
// Conn directly.
type Endpoint struct {
	// Reader is the read side. If nil, Conn is read directly.
	Reader io.Reader
	// Conn carries writes and close operations.
	Conn net.Conn
}

func (e Endpoint) reader() io.Reader {
	if e.Reader != nil {
		return e.Reader
	}
	return e.Conn
}

// Join copies bytes between a and b until both directions finish, then
// closes both connections. prefix is written to b before a's stream, so
// bytes consumed during credential sniffing reach the far side intact.
//
// Each direction half-closes its destination on clean EOF, letting
// protocols that signal end-of-request by shutdown work through the proxy.
// On a read or write error the sibling direction is cancelled by fully
// closing both sockets.
//
// Returns the first error encountered, or nil if both directions ended at
// EOF. Join blocks until both copies terminate.
func Join(a, b Endpoint, prefix []byte) error {
	var once sync.Once
	var firstErr error
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			// Full close tears down the sibling copy's blocking read.
			a.Conn.Close()
			b.Conn.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if len(prefix) > 0 {
			if _, err := b.Conn.Write(prefix); err != nil {
				fail(err)
				return
			}
		}
		copyDirection(a.reader(), b.Conn, fail)
	}()

	go func() {
		defer wg.Done()
		copyDirection(b.reader(), a.Conn, fail)
	}()

	wg.Wait()

	// Both directions are done; release the sockets if no error path
	// closed them already.
	a.Conn.Close()
	b.Conn.Close()
	return firstErr
}

// copyDirection pumps src into dst until EOF, then half-closes dst so the
// far side observes end-of-stream while its own writes continue to flow.
func copyDirection(src io.Reader, dst net.Conn, fail func(error)) {
	buf := make([]byte, bufSize)
	if _, err := io.CopyBuffer(dst, src, buf); err != nil {
		fail(err)
		return
	}
	if hc, ok := dst.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
}
