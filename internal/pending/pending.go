// Package pending holds public connections that are waiting for their
// matching proxy connection.
//
// The public router puts a connection here keyed by a fresh rendezvous id,
// then asks an agent to dial back. The proxy matcher takes it out when the
// agent's NewProxyConn frame arrives. Entries that nobody claims are swept
// on a timeout so a dead agent cannot pin public sockets forever.
//
// Socket ownership is an explicit transfer: while an entry sits in the
// table, the table owns the socket. Take hands ownership to the caller;
// Drop and Sweep close the socket themselves.
package pending

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout is how long a public connection may wait for its rendezvous
// before the sweeper closes it.
const DefaultTimeout = 10 * time.Second

type entry struct {
	conn      net.Conn
	prefix    []byte
	createdAt time.Time
}

// Table is a mutex-guarded map of rendezvous id to waiting public socket.
// All operations are O(1) except Sweep, which is O(pending).
type Table struct {
	mu      sync.Mutex
	entries map[string]entry
	timeout time.Duration
	logger  *zap.Logger
}

// New creates an empty Table. A non-positive timeout falls back to
// DefaultTimeout.
func New(timeout time.Duration, logger *zap.Logger) *Table {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Table{
		entries: make(map[string]entry),
		timeout: timeout,
		logger:  logger.Named("pending"),
	}
}

// Put stores a public connection under the rendezvous id. prefix holds any
// bytes the router already consumed while sniffing credentials; they travel
// with the socket so the splicer can replay them.
func (t *Table) Put(id string, conn net.Conn, prefix []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = entry{conn: conn, prefix: prefix, createdAt: time.Now()}
}

// Take removes and returns the connection for id, transferring ownership to
// the caller. The second return is false when the id is unknown, which
// happens when the rendezvous already timed out or the id is garbage.
func (t *Table) Take(id string) (net.Conn, []byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return nil, nil, false
	}
	delete(t.entries, id)
	return e.conn, e.prefix, true
}

// Drop removes and closes the entry if present. Called by the router when
// the dispatch to the chosen agent failed and the rendezvous is abandoned.
func (t *Table) Drop(id string) {
	t.mu.Lock()
	e, ok := t.entries[id]
	delete(t.entries, id)
	t.mu.Unlock()

	if ok {
		e.conn.Close()
	}
}

// Sweep removes and closes every entry older than the table's timeout and
// returns how many were closed. Runs on a steady cadence from the server's
// maintenance scheduler.
func (t *Table) Sweep(now time.Time) int {
	t.mu.Lock()
	var expired []entry
	for id, e := range t.entries {
		if now.Sub(e.createdAt) >= t.timeout {
			delete(t.entries, id)
			expired = append(expired, e)
			t.logger.Warn("rendezvous timed out", zap.String("rendezvous_id", id))
		}
	}
	t.mu.Unlock()

	// Closing outside the lock: a slow close must not stall Put/Take.
	for _, e := range expired {
		e.conn.Close()
	}
	return len(expired)
}

// Drain removes and closes every entry and returns how many were closed.
// Called once at server shutdown so waiting public sockets do not outlive
// the listeners.
func (t *Table) Drain() int {
	t.mu.Lock()
	drained := make([]entry, 0, len(t.entries))
	for id, e := range t.entries {
		delete(t.entries, id)
		drained = append(drained, e)
	}
	t.mu.Unlock()

	for _, e := range drained {
		e.conn.Close()
	}
	return len(drained)
}

// Len reports the number of in-flight rendezvous.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// IDs returns the pending rendezvous ids, for the observability API.
func (t *Table) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	return ids
}
