// Package registry maintains the in-memory registry of connected agents.
//
// When an agent authenticates and registers on the control port, the control
// handler inserts it here. The public router uses the registry to pick an
// agent for each incoming connection, and the observability API reads it to
// report fleet state.
//
// All state is in-memory and intentionally non-persistent: if the server
// restarts, agents reconnect and re-register automatically via their
// reconnection loop.
package registry

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sxhxliang/frpx/internal/protocol"
)

var (
	// ErrDuplicateID is returned by Insert when the client id is taken.
	// Registration races resolve first-writer-wins; the loser is rejected.
	ErrDuplicateID = errors.New("registry: client id already registered")

	// ErrNoAgents is returned by PickRandom when no eligible agent exists.
	ErrNoAgents = errors.New("registry: no agents available")
)

// Entry is the registry's record of one live agent.
//
// The control handler owning the agent's socket is the only writer of the
// metadata fields, always through Update, so readers see a consistent record
// under the registry lock. Models and SystemInfo are replaced wholesale on
// update, never mutated in place, which makes snapshot sharing safe.
type Entry struct {
	// ID is the caller-supplied client id, unique across the fleet.
	ID string

	// Hostname is kept for logging and the observability API.
	Hostname string

	// Conn is the agent's control connection. Its write half is the send
	// capability handed out by PickRandom; writes are serialized by the
	// Conn's own mutex, never by the registry lock.
	Conn *protocol.Conn

	// Authed gates selection. Only authed entries are eligible for
	// PickRandom; the control handler sets it before Insert.
	Authed bool

	ConnectedAt     time.Time
	LastHeartbeatAt time.Time

	// SystemInfo and Models are the last payloads the agent attached.
	SystemInfo *protocol.SystemInfo
	Models     []protocol.Model
}

// Registry is a mutex-guarded map of client id to Entry. Safe for concurrent
// use; critical sections never perform I/O.
//
// The zero value is not usable; create instances with New.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*Entry
	rng    *rand.Rand
	logger *zap.Logger
}

// New creates an empty Registry. The selection PRNG is seeded once here;
// cryptographic strength is not required for load balancing.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*Entry),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logger.Named("registry"),
	}
}

// Insert adds a new agent. Returns ErrDuplicateID if the id is present:
// the original entry always wins and is left untouched.
func (r *Registry) Insert(e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[e.ID]; exists {
		return ErrDuplicateID
	}
	r.agents[e.ID] = e

	r.logger.Info("agent registered",
		zap.String("agent_id", e.ID),
		zap.String("hostname", e.Hostname),
		zap.Int("total_connected", len(r.agents)),
	)
	return nil
}

// Remove deletes an agent and reports whether it was present. The entry's
// connection is NOT closed here; the control handler owns the socket and
// performs the close exactly once on its own exit path.
func (r *Registry) Remove(id string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.agents[id]
	if !exists {
		// Already removed; races between disconnect paths are expected.
		return nil, false
	}
	delete(r.agents, id)

	r.logger.Info("agent removed",
		zap.String("agent_id", id),
		zap.Duration("session_duration", time.Since(e.ConnectedAt)),
		zap.Int("total_connected", len(r.agents)),
	)
	return e, true
}

// Update applies fn to the entry under the registry lock. No-op if the id is
// absent. fn must not block or perform I/O.
func (r *Registry) Update(id string, fn func(*Entry)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.agents[id]
	if !exists {
		return false
	}
	fn(e)
	return true
}

// Pick is the snapshot PickRandom hands to the router: the id and the send
// capability of the chosen agent. The agent may race to removal after the
// snapshot is taken; the caller treats a failed write as a normal retry path.
type Pick struct {
	ID   string
	Conn *protocol.Conn
}

// PickRandom selects uniformly among currently present, authed agents.
// The registry lock is released before the caller uses the connection.
func (r *Registry) PickRandom() (Pick, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	eligible := make([]*Entry, 0, len(r.agents))
	for _, e := range r.agents {
		if e.Authed {
			eligible = append(eligible, e)
		}
	}
	if len(eligible) == 0 {
		return Pick{}, ErrNoAgents
	}

	chosen := eligible[r.rng.Intn(len(eligible))]
	return Pick{ID: chosen.ID, Conn: chosen.Conn}, nil
}

// Get returns a copy of the entry for the observability API.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.agents[id]
	if !exists {
		return Entry{}, false
	}
	return *e, true
}

// List returns copies of all entries, in no particular order.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, *e)
	}
	return out
}

// Len reports the number of registered agents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// ReapStale removes every agent whose last heartbeat is older than maxIdle
// and returns the removed entries. The caller closes their connections,
// which unblocks the owning control handlers. This catches half-open sockets
// that TCP-level disconnect detection misses.
func (r *Registry) ReapStale(now time.Time, maxIdle time.Duration) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []*Entry
	for id, e := range r.agents {
		if now.Sub(e.LastHeartbeatAt) > maxIdle {
			delete(r.agents, id)
			stale = append(stale, e)
			r.logger.Warn("agent evicted, heartbeat stale",
				zap.String("agent_id", id),
				zap.Time("last_heartbeat_at", e.LastHeartbeatAt),
			)
		}
	}
	return stale
}
