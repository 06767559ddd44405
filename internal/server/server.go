// Package server implements the frpx rendezvous server: the control,
// proxy, and public listeners and the machinery that pairs a public
// connection with a freshly dialed agent proxy connection.
//
// Listener layout:
//
//	control  - agents connect once and stay; framed commands both ways
//	proxy    - agents dial per request; one NewProxyConn frame, then raw bytes
//	public   - external callers; raw TCP spliced through to an agent
//
// The observability HTTP API lives in internal/api and is mounted by the
// command wiring, not here.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sxhxliang/frpx/internal/auth"
	"github.com/sxhxliang/frpx/internal/metrics"
	"github.com/sxhxliang/frpx/internal/pending"
	"github.com/sxhxliang/frpx/internal/protocol"
	"github.com/sxhxliang/frpx/internal/registry"
)

// Timing defaults. All are overridable through Config for tests.
const (
	DefaultRendezvousTimeout = 10 * time.Second
	DefaultSweepInterval     = 1 * time.Second
	DefaultHeartbeatStale    = 30 * time.Second
	DefaultReapInterval      = 5 * time.Second
	DefaultDispatchAttempts  = 3
)

// Config carries everything the server needs besides its collaborators.
type Config struct {
	// Listen addresses (host:port). Port 0 binds an ephemeral port;
	// the bound address is available from ControlAddr etc. after Listen.
	ControlAddr string
	ProxyAddr   string
	PublicAddr  string

	// RendezvousTimeout bounds how long a public connection waits for its
	// proxy connection. Zero means DefaultRendezvousTimeout.
	RendezvousTimeout time.Duration
	// SweepInterval is the pending-table sweep cadence.
	SweepInterval time.Duration
	// HeartbeatStale is the idle age after which an agent is evicted.
	HeartbeatStale time.Duration
	// ReapInterval is the staleness reaper cadence.
	ReapInterval time.Duration
	// DispatchAttempts is how many agents the router tries per public
	// connection before giving up with a 503.
	DispatchAttempts int
}

func (c *Config) applyDefaults() {
	if c.RendezvousTimeout <= 0 {
		c.RendezvousTimeout = DefaultRendezvousTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.HeartbeatStale <= 0 {
		c.HeartbeatStale = DefaultHeartbeatStale
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.DispatchAttempts <= 0 {
		c.DispatchAttempts = DefaultDispatchAttempts
	}
}

// Server owns the three TCP listeners and the shared state behind them.
type Server struct {
	cfg Config

	registry  *registry.Registry
	pending   *pending.Table
	users     *auth.Users
	issuer    *auth.Issuer
	validator auth.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger

	startedAt  time.Time
	totalConns atomic.Uint64

	controlLn net.Listener
	proxyLn   net.Listener
	publicLn  net.Listener
}

// New creates a Server. validator is the injected token predicate (already
// wrapped with the static-key fallback by the command wiring); issuer
// additionally accepts the server's own login-issued tokens.
func New(
	cfg Config,
	reg *registry.Registry,
	users *auth.Users,
	issuer *auth.Issuer,
	validator auth.Validator,
	logger *zap.Logger,
) *Server {
	cfg.applyDefaults()
	pend := pending.New(cfg.RendezvousTimeout, logger)
	return &Server{
		cfg:       cfg,
		registry:  reg,
		pending:   pend,
		users:     users,
		issuer:    issuer,
		validator: validator,
		metrics:   metrics.New(reg.Len, pend.Len),
		logger:    logger.Named("server"),
		startedAt: time.Now(),
	}
}

// Metrics exposes the server's Prometheus collectors so the command wiring
// can mount the scrape handler on the API router.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Listen binds the three listeners. Bind failures are fatal; the command
// wiring turns the error into a non-zero exit.
func (s *Server) Listen() error {
	var err error
	if s.controlLn, err = net.Listen("tcp", s.cfg.ControlAddr); err != nil {
		return fmt.Errorf("server: bind control %s: %w", s.cfg.ControlAddr, err)
	}
	if s.proxyLn, err = net.Listen("tcp", s.cfg.ProxyAddr); err != nil {
		s.controlLn.Close()
		return fmt.Errorf("server: bind proxy %s: %w", s.cfg.ProxyAddr, err)
	}
	if s.publicLn, err = net.Listen("tcp", s.cfg.PublicAddr); err != nil {
		s.controlLn.Close()
		s.proxyLn.Close()
		return fmt.Errorf("server: bind public %s: %w", s.cfg.PublicAddr, err)
	}

	s.logger.Info("listening",
		zap.String("control", s.controlLn.Addr().String()),
		zap.String("proxy", s.proxyLn.Addr().String()),
		zap.String("public", s.publicLn.Addr().String()),
	)
	return nil
}

// ControlAddr returns the bound control address. Valid after Listen.
func (s *Server) ControlAddr() string { return s.controlLn.Addr().String() }

// ProxyAddr returns the bound proxy address. Valid after Listen.
func (s *Server) ProxyAddr() string { return s.proxyLn.Addr().String() }

// PublicAddr returns the bound public address. Valid after Listen.
func (s *Server) PublicAddr() string { return s.publicLn.Addr().String() }

// Run serves all listeners and the maintenance jobs until ctx is cancelled,
// then tears everything down: listeners close first, then every agent's
// control connection, which unblocks the per-agent handlers.
func (s *Server) Run(ctx context.Context) error {
	if s.controlLn == nil {
		return errors.New("server: Run called before Listen")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.acceptControl(ctx) })
	g.Go(func() error { return s.acceptProxy(ctx) })
	g.Go(func() error { return s.acceptPublic(ctx) })
	g.Go(func() error { return s.runJanitor(ctx) })

	// Shutdown goroutine: cancelling ctx closes the listeners, which makes
	// every Accept return and the goroutines above exit.
	g.Go(func() error {
		<-ctx.Done()
		s.controlLn.Close()
		s.proxyLn.Close()
		s.publicLn.Close()
		for _, e := range s.registry.List() {
			e.Conn.Close()
		}
		// Public sockets parked for a rendezvous are not reachable through
		// any listener or registry entry; drain them so they do not outlive
		// the server.
		s.pending.Drain()
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stats is the snapshot served by /api/stats.
type Stats struct {
	ActiveAgents       int    `json:"active_clients"`
	PendingConnections int    `json:"pending_connections"`
	TotalConnections   uint64 `json:"total_connections"`
	UptimeSeconds      int64  `json:"uptime_seconds"`
}

// Stats returns current counters for the observability API.
func (s *Server) Stats() Stats {
	return Stats{
		ActiveAgents:       s.registry.Len(),
		PendingConnections: s.pending.Len(),
		TotalConnections:   s.totalConns.Load(),
		UptimeSeconds:      int64(time.Since(s.startedAt).Seconds()),
	}
}

// PendingIDs exposes the in-flight rendezvous ids for the API.
func (s *Server) PendingIDs() []string {
	return s.pending.IDs()
}

// DisconnectAgent performs a server-initiated removal: a best-effort
// Disconnect frame, removal from the registry, and closing the control
// socket so the handler unblocks. Returns false if the agent is unknown.
func (s *Server) DisconnectAgent(id, reason string) bool {
	e, ok := s.registry.Get(id)
	if !ok {
		return false
	}
	// The frame goes out while the agent is still registered; once an entry
	// leaves the registry its control connection must not be written again.
	// Best effort: the agent may already be gone mid-write.
	_ = e.Conn.WriteFrame(&protocol.Disconnect{Reason: reason})

	removed, ok := s.registry.Remove(id)
	if !ok {
		// A disconnect path raced us to removal; its owner closes the socket.
		return false
	}
	removed.Conn.Close()

	s.logger.Info("agent disconnected via api",
		zap.String("agent_id", id),
		zap.String("reason", reason),
	)
	return true
}

// accept runs one accept loop, handing each connection to handle. It
// returns nil when the listener closes during shutdown.
func (s *Server) accept(ctx context.Context, ln net.Listener, handle func(net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("server: accept on %s: %w", ln.Addr(), err)
		}
		go handle(conn)
	}
}

func (s *Server) acceptControl(ctx context.Context) error {
	return s.accept(ctx, s.controlLn, func(c net.Conn) { s.handleControl(ctx, c) })
}

func (s *Server) acceptProxy(ctx context.Context) error {
	return s.accept(ctx, s.proxyLn, s.handleProxy)
}

func (s *Server) acceptPublic(ctx context.Context) error {
	return s.accept(ctx, s.publicLn, func(c net.Conn) {
		s.totalConns.Add(1)
		s.metrics.PublicConnections.Inc()
		s.routePublic(ctx, c)
	})
}
