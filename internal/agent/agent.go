// Package agent implements the frpx agent: a client that dials out to the
// rendezvous server, keeps a persistent control connection, and opens a
// fresh proxy connection to the server for every public request it is asked
// to serve. It handles:
//   - Authentication (stored token first, interactive credentials as fallback)
//   - Registration under a stable client id
//   - Heartbeat, system-metrics, and model-list reporting loops
//   - Proxy dial-outs spliced to the local service
//   - Automatic reconnection with exponential backoff + jitter on any failure
//
// Token persistence: after a successful credential login the server returns
// a long-lived token. It is written to <state-dir>/token.json and presented
// on every subsequent connection so the agent survives restarts without
// re-prompting for credentials.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/sxhxliang/frpx/internal/protocol"
	"github.com/sxhxliang/frpx/internal/splice"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to prevent thundering herd when many agents reconnect simultaneously.
	jitterFraction = 0.2

	// heartbeatInterval is how often the agent sends liveness ticks. The
	// server evicts an agent after 3x this interval without one.
	heartbeatInterval = 10 * time.Second
	// sysinfoInterval is the system-metrics reporting cadence.
	sysinfoInterval = 30 * time.Second
	// modelsInterval is how often the local model list is re-discovered.
	modelsInterval = 60 * time.Second

	dialTimeout = 10 * time.Second
)

// errServerDisconnect marks a session the server ended on purpose. The
// reconnect loop still retries, but without treating it as a failure.
var errServerDisconnect = errors.New("agent: server requested disconnect")

// CredentialSource supplies an email/password pair when no stored token is
// accepted. The command wiring provides either static flag values or an
// interactive terminal prompt.
type CredentialSource func(ctx context.Context) (email, password string, err error)

// Config holds all parameters needed to connect to the server.
type Config struct {
	// ServerHost is the rendezvous server's hostname or IP.
	ServerHost string
	// ControlPort and ProxyPort are the server's agent-facing ports.
	ControlPort int
	ProxyPort   int

	// LocalAddr is the host:port of the local service that public traffic
	// is spliced into.
	LocalAddr string

	// ClientID is this agent's stable identity on the server.
	ClientID string

	// StateDir is the directory where token.json is persisted.
	StateDir string

	// Credentials is consulted when no stored token works.
	Credentials CredentialSource
}

// Manager maintains the persistent control connection to the server.
type Manager struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a Manager. Call Run to start the connection loop.
func New(cfg Config, logger *zap.Logger) *Manager {
	return &Manager{cfg: cfg, logger: logger.Named("agent")}
}

func (m *Manager) controlAddr() string {
	return net.JoinHostPort(m.cfg.ServerHost, fmt.Sprint(m.cfg.ControlPort))
}

func (m *Manager) proxyAddr() string {
	return net.JoinHostPort(m.cfg.ServerHost, fmt.Sprint(m.cfg.ProxyPort))
}

// Run starts the connection loop. It connects to the server, authenticates,
// registers, and serves the session until it ends, then reconnects with
// exponential backoff. Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			m.logger.Info("agent stopped")
			return
		}

		m.logger.Info("connecting to server", zap.String("addr", m.controlAddr()))

		err := m.session(ctx)
		switch {
		case ctx.Err() != nil:
			m.logger.Info("agent stopped")
			return
		case errors.Is(err, errServerDisconnect):
			m.logger.Info("server ended the session, reconnecting")
			backoff = backoffInitial
		case err != nil:
			m.logger.Warn("session failed, retrying",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		// Successful session. Reset backoff for the next reconnect.
		backoff = backoffInitial
	}
}

// session establishes one control session: dial, authenticate, register,
// then run the reporting loops and the command read loop until the session
// ends.
func (m *Manager) session(ctx context.Context) error {
	nc, err := net.DialTimeout("tcp", m.controlAddr(), dialTimeout)
	if err != nil {
		return fmt.Errorf("dial control: %w", err)
	}
	conn := protocol.NewConn(nc)
	defer conn.Close()

	if err := m.authenticate(ctx, conn); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := m.register(ctx, conn); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	m.logger.Info("registered with server", zap.String("client_id", m.cfg.ClientID))

	// The reporting loop and the read loop share the socket; protocol.Conn
	// serializes their writes. Either loop ending tears the session down:
	// closing the conn unblocks the other side's read or write.
	errCh := make(chan error, 2)
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() { errCh <- m.reportLoop(loopCtx, conn) }()
	go func() { errCh <- m.readLoop(loopCtx, conn) }()

	err = <-errCh
	cancel()
	conn.Close()
	<-errCh

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// authenticate tries the stored token first and falls back to credentials.
// A token the server rejects is discarded so the next attempt prompts fresh.
func (m *Manager) authenticate(ctx context.Context, conn *protocol.Conn) error {
	token, err := loadToken(m.cfg.StateDir)
	if err != nil {
		m.logger.Warn("failed to load stored token", zap.Error(err))
	}

	if token != "" {
		res, err := m.loginExchange(conn, &protocol.LoginByToken{Token: token})
		if err != nil {
			return err
		}
		if res.OK {
			m.logger.Info("authenticated with stored token")
			return nil
		}
		m.logger.Warn("stored token rejected, falling back to credentials",
			zap.String("message", res.Message),
		)
		if err := clearToken(m.cfg.StateDir); err != nil {
			m.logger.Warn("failed to clear rejected token", zap.Error(err))
		}
	}

	if m.cfg.Credentials == nil {
		return errors.New("no valid token and no credential source configured")
	}
	email, password, err := m.cfg.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("obtain credentials: %w", err)
	}

	res, err := m.loginExchange(conn, &protocol.Login{Email: email, Password: password})
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("login rejected: %s", res.Message)
	}

	if res.Token != "" {
		if err := saveToken(m.cfg.StateDir, res.Token); err != nil {
			// Non-fatal: the agent just logs in interactively again next time.
			m.logger.Warn("failed to persist token", zap.Error(err))
		}
	}
	m.logger.Info("authenticated with credentials", zap.String("email", email))
	return nil
}

// loginExchange writes one auth frame and reads the LoginResult.
func (m *Manager) loginExchange(conn *protocol.Conn, f protocol.Frame) (*protocol.LoginResult, error) {
	if err := conn.WriteFrame(f); err != nil {
		return nil, fmt.Errorf("write %s: %w", f.FrameType(), err)
	}
	reply, err := conn.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("read login result: %w", err)
	}
	res, ok := reply.(*protocol.LoginResult)
	if !ok {
		return nil, fmt.Errorf("server replied %s, want LoginResult", reply.FrameType())
	}
	return res, nil
}

// register enrolls the agent with its initial metadata snapshot. Model
// discovery failing is fine; the list is refreshed on a cadence anyway.
func (m *Manager) register(ctx context.Context, conn *protocol.Conn) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	models, err := FetchModels(ctx, m.cfg.LocalAddr)
	if err != nil {
		m.logger.Debug("initial model discovery failed", zap.Error(err))
	}

	reg := &protocol.Register{
		ClientID:   m.cfg.ClientID,
		Hostname:   hostname,
		SystemInfo: CollectSystemInfo(ctx),
		Models:     models,
	}
	if err := conn.WriteFrame(reg); err != nil {
		return fmt.Errorf("write register: %w", err)
	}

	reply, err := conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("read register result: %w", err)
	}
	res, ok := reply.(*protocol.RegisterResult)
	if !ok {
		return fmt.Errorf("server replied %s, want RegisterResult", reply.FrameType())
	}
	if !res.OK {
		return fmt.Errorf("registration rejected: %s", res.Message)
	}
	return nil
}

// reportLoop sends heartbeats, system metrics, and model-list refreshes on
// their cadences until ctx is cancelled or a write fails.
func (m *Manager) reportLoop(ctx context.Context, conn *protocol.Conn) error {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	sysinfo := time.NewTicker(sysinfoInterval)
	defer sysinfo.Stop()
	models := time.NewTicker(modelsInterval)
	defer models.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-heartbeat.C:
			if err := conn.WriteFrame(&protocol.Heartbeat{}); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
			m.logger.Debug("heartbeat sent")

		case <-sysinfo.C:
			if err := conn.WriteFrame(CollectSystemInfo(ctx)); err != nil {
				return fmt.Errorf("system info: %w", err)
			}

		case <-models.C:
			list, err := FetchModels(ctx, m.cfg.LocalAddr)
			if err != nil {
				m.logger.Debug("model discovery failed", zap.Error(err))
				continue
			}
			if err := conn.WriteFrame(&protocol.ModelList{Models: list}); err != nil {
				return fmt.Errorf("model list: %w", err)
			}
		}
	}
}

// readLoop processes server-initiated frames until the socket closes.
func (m *Manager) readLoop(ctx context.Context, conn *protocol.Conn) error {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read control frame: %w", err)
		}

		switch f := f.(type) {
		case *protocol.RequestNewProxyConn:
			m.logger.Info("proxy connection requested", zap.String("rendezvous_id", f.ID))
			go m.serveProxy(ctx, f.ID)

		case *protocol.Disconnect:
			m.logger.Info("disconnect requested by server", zap.String("reason", f.Reason))
			return errServerDisconnect

		case *protocol.Error:
			m.logger.Warn("server reported error",
				zap.String("code", f.Code),
				zap.String("message", f.Message),
			)

		default:
			return fmt.Errorf("unexpected %s frame on control connection", f.FrameType())
		}
	}
}

// serveProxy fulfills one rendezvous: dial the server's proxy port, identify
// the rendezvous, dial the local service, and splice the two byte streams.
// Failures are logged and dropped; the server's pending sweep cleans up the
// abandoned public connection.
func (m *Manager) serveProxy(ctx context.Context, id string) {
	logger := m.logger.With(zap.String("rendezvous_id", id))

	pnc, err := net.DialTimeout("tcp", m.proxyAddr(), dialTimeout)
	if err != nil {
		logger.Warn("proxy dial failed", zap.Error(err))
		return
	}
	proxyConn := protocol.NewConn(pnc)

	if err := proxyConn.WriteFrame(&protocol.NewProxyConn{ID: id}); err != nil {
		logger.Warn("proxy identification failed", zap.Error(err))
		proxyConn.Close()
		return
	}

	local, err := net.DialTimeout("tcp", m.cfg.LocalAddr, dialTimeout)
	if err != nil {
		logger.Warn("local service dial failed",
			zap.String("local_addr", m.cfg.LocalAddr),
			zap.Error(err),
		)
		proxyConn.Close()
		return
	}

	logger.Debug("splicing proxy connection to local service")

	// The splice owns both sockets. The proxy side reads through the framed
	// connection's buffer in case the server's bytes arrived early.
	err = splice.Join(
		splice.Endpoint{Reader: proxyConn.Reader(), Conn: proxyConn.NetConn()},
		splice.Endpoint{Conn: local},
		nil,
	)
	if err != nil {
		logger.Debug("splice ended with error", zap.Error(err))
	}
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d to avoid
// thundering herd on reconnect.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
