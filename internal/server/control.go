package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/sxhxliang/frpx/internal/auth"
	"github.com/sxhxliang/frpx/internal/protocol"
	"github.com/sxhxliang/frpx/internal/registry"
)

// authDeadline bounds the Login/Register handshake so an idle connection
// cannot park in the pre-registered state forever.
const authDeadline = 30 * time.Second

// handleControl owns one agent's control socket from accept to close.
//
// The state machine is strictly sequential:
//
//	start --Login/LoginByToken ok--> authed --Register ok--> registered
//
// and any frame outside the allowed set for the current state terminates
// the connection. Once registered, the handler loops on liveness and
// metadata frames until the socket dies, the reaper closes it, or a
// server-initiated Disconnect removes the agent.
func (s *Server) handleControl(ctx context.Context, nc net.Conn) {
	conn := protocol.NewConn(nc)
	defer conn.Close()

	logger := s.logger.With(zap.String("remote_addr", conn.RemoteAddr().String()))
	logger.Info("control connection accepted")

	conn.SetReadDeadline(time.Now().Add(authDeadline))

	if err := s.authenticate(ctx, conn); err != nil {
		logger.Warn("authentication failed", zap.Error(err))
		return
	}

	entry, err := s.register(conn)
	if err != nil {
		logger.Warn("registration failed", zap.Error(err))
		return
	}
	conn.SetReadDeadline(time.Time{})

	logger = logger.With(zap.String("agent_id", entry.ID))

	// Removal is idempotent: the reaper or an API disconnect may have
	// already taken the entry out by the time the read loop exits.
	defer s.registry.Remove(entry.ID)

	if err := s.steadyLoop(conn, entry.ID, logger); err != nil {
		logger.Info("control connection closed", zap.Error(err))
	} else {
		logger.Info("control connection closed")
	}
}

// authenticate consumes the first frame, which must be Login or
// LoginByToken. On success the agent has already received
// LoginResult{ok:true}, with a freshly issued token on interactive Login.
func (s *Server) authenticate(ctx context.Context, conn *protocol.Conn) error {
	f, err := conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("read login frame: %w", err)
	}

	switch f := f.(type) {
	case *protocol.Login:
		if !s.users.Check(f.Email, f.Password) {
			_ = conn.WriteFrame(&protocol.LoginResult{OK: false, Message: "invalid email or password"})
			return fmt.Errorf("invalid credentials for %q", f.Email)
		}
		token, err := s.issuer.Issue(f.Email)
		if err != nil {
			_ = conn.WriteFrame(&protocol.LoginResult{OK: false, Message: "token issuance failed"})
			return fmt.Errorf("issue token: %w", err)
		}
		if err := conn.WriteFrame(&protocol.LoginResult{OK: true, Token: token}); err != nil {
			return fmt.Errorf("write login result: %w", err)
		}
		return nil

	case *protocol.LoginByToken:
		res := s.checkToken(ctx, f.Token)
		if res != auth.Valid {
			_ = conn.WriteFrame(&protocol.LoginResult{OK: false, Message: "invalid token"})
			return errors.New("token rejected")
		}
		if err := conn.WriteFrame(&protocol.LoginResult{OK: true}); err != nil {
			return fmt.Errorf("write login result: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("first frame was %s, want Login or LoginByToken", f.FrameType())
	}
}

// checkToken accepts tokens this server issued itself, then consults the
// injected validator (which already carries the static bootstrap fallback
// for transient store failures).
func (s *Server) checkToken(ctx context.Context, token string) auth.Result {
	if res, _ := s.issuer.ValidateToken(ctx, token); res == auth.Valid {
		return auth.Valid
	}
	res, err := s.validator.ValidateToken(ctx, token)
	if err != nil {
		s.logger.Warn("token validation degraded", zap.Error(err))
	}
	return res
}

// register consumes the Register frame and inserts the agent into the
// registry. Duplicate ids lose to the original entry and are told so.
func (s *Server) register(conn *protocol.Conn) (*registry.Entry, error) {
	f, err := conn.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("read register frame: %w", err)
	}
	reg, ok := f.(*protocol.Register)
	if !ok {
		return nil, fmt.Errorf("frame after auth was %s, want Register", f.FrameType())
	}
	if reg.ClientID == "" {
		_ = conn.WriteFrame(&protocol.RegisterResult{OK: false, Message: "client_id is required"})
		return nil, errors.New("empty client id")
	}

	now := time.Now()
	entry := &registry.Entry{
		ID:              reg.ClientID,
		Hostname:        reg.Hostname,
		Conn:            conn,
		Authed:          true,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
		SystemInfo:      reg.SystemInfo,
		Models:          reg.Models,
	}

	if err := s.registry.Insert(entry); err != nil {
		_ = conn.WriteFrame(&protocol.RegisterResult{OK: false, Message: "duplicate client id"})
		return nil, fmt.Errorf("insert %q: %w", reg.ClientID, err)
	}
	if err := conn.WriteFrame(&protocol.RegisterResult{OK: true}); err != nil {
		s.registry.Remove(reg.ClientID)
		return nil, fmt.Errorf("write register result: %w", err)
	}
	return entry, nil
}

// steadyLoop processes the registered agent's frames until the socket
// closes. Returns nil on clean EOF.
func (s *Server) steadyLoop(conn *protocol.Conn, id string, logger *zap.Logger) error {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch f := f.(type) {
		case *protocol.Heartbeat:
			s.registry.Update(id, func(e *registry.Entry) {
				e.LastHeartbeatAt = time.Now()
			})
			logger.Debug("heartbeat received")

		case *protocol.SystemInfo:
			s.registry.Update(id, func(e *registry.Entry) {
				e.SystemInfo = f
				e.LastHeartbeatAt = time.Now()
			})
			logger.Debug("system info updated",
				zap.Float64("cpu_percent", f.CPUPercent),
				zap.Float64("mem_percent", f.MemPercent),
				zap.Float64("disk_percent", f.DiskPercent),
			)

		case *protocol.ModelList:
			s.registry.Update(id, func(e *registry.Entry) {
				e.Models = f.Models
			})
			logger.Debug("model list updated", zap.Int("models", len(f.Models)))

		default:
			_ = conn.WriteFrame(&protocol.Error{
				Code:    "protocol_error",
				Message: fmt.Sprintf("unexpected %s frame in registered state", f.FrameType()),
			})
			return fmt.Errorf("unexpected %s frame in registered state", f.FrameType())
		}
	}
}
