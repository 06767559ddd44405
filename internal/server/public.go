package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sxhxliang/frpx/internal/auth"
	"github.com/sxhxliang/frpx/internal/protocol"
)

const (
	// sniffWindow bounds how many initial bytes the router inspects while
	// looking for the Authorization header. Everything read is preserved
	// and replayed into the splice, so the agent sees the exact stream.
	sniffWindow = 8 << 10

	// sniffDeadline bounds how long the router waits for the header bytes.
	sniffDeadline = 5 * time.Second
)

// routePublic validates one public connection's credential, picks an agent,
// and dispatches the rendezvous request. It does not wait for the rendezvous
// to complete: once dispatched, the pending table's sweeper or the proxy
// matcher owns the socket, which keeps the accept loop unblocked and puts
// the timeout in exactly one place.
func (s *Server) routePublic(ctx context.Context, nc net.Conn) {
	logger := s.logger.With(zap.String("remote_addr", nc.RemoteAddr().String()))

	nc.SetReadDeadline(time.Now().Add(sniffDeadline))
	prefix := sniffHeaders(nc)
	nc.SetReadDeadline(time.Time{})

	token, ok := extractBearer(prefix)
	if !ok {
		logger.Warn("public connection rejected: no authorization header")
		s.metrics.PublicRejected.WithLabelValues("unauthorized").Inc()
		writeHTTPError(nc, http.StatusUnauthorized, "missing api key in authorization header")
		return
	}
	if res := s.checkToken(ctx, token); res != auth.Valid {
		logger.Warn("public connection rejected: invalid api key")
		s.metrics.PublicRejected.WithLabelValues("unauthorized").Inc()
		writeHTTPError(nc, http.StatusUnauthorized, "invalid api key")
		return
	}

	conn := nc
	for attempt := 1; attempt <= s.cfg.DispatchAttempts; attempt++ {
		pick, err := s.registry.PickRandom()
		if err != nil {
			logger.Warn("public connection rejected: no agents available")
			s.metrics.PublicRejected.WithLabelValues("no_agents").Inc()
			writeHTTPError(conn, http.StatusServiceUnavailable, "no active agents available")
			return
		}

		id := uuid.NewString()
		s.pending.Put(id, conn, prefix)

		if err := pick.Conn.WriteFrame(&protocol.RequestNewProxyConn{ID: id}); err != nil {
			// The picked agent raced to removal or its socket died. Reclaim
			// the public socket, evict the agent, and move on.
			logger.Warn("dispatch failed, evicting agent",
				zap.String("agent_id", pick.ID),
				zap.String("rendezvous_id", id),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			s.metrics.DispatchRetries.Inc()

			reclaimed, p, ok := s.pending.Take(id)
			if e, removed := s.registry.Remove(pick.ID); removed {
				e.Conn.Close()
			}
			if !ok {
				// Sweeper beat us to it; the socket is closed and done.
				return
			}
			conn, prefix = reclaimed, p
			continue
		}

		logger.Info("chose agent",
			zap.String("agent_id", pick.ID),
			zap.String("rendezvous_id", id),
		)
		return
	}

	logger.Warn("public connection rejected: dispatch attempts exhausted")
	s.metrics.PublicRejected.WithLabelValues("dispatch_exhausted").Inc()
	writeHTTPError(conn, http.StatusServiceUnavailable, "no agent accepted the connection")
}

// sniffHeaders reads from conn until the HTTP header terminator, the sniff
// window fills, or the deadline fires, and returns everything read. The
// caller treats the result as both parse input and replay prefix; a non-HTTP
// stream simply yields bytes with no Authorization header in them.
func sniffHeaders(conn net.Conn) []byte {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for len(buf) < sniffWindow {
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if bytes.Contains(buf, []byte("\r\n\r\n")) || err != nil {
			break
		}
	}
	return buf
}

// extractBearer finds the Authorization header in the sniffed bytes and
// returns the credential, accepting both "Bearer <token>" and a bare token.
func extractBearer(data []byte) (string, bool) {
	head, _, _ := bytes.Cut(data, []byte("\r\n\r\n"))
	for _, line := range strings.Split(string(head), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Authorization") {
			continue
		}
		cred := strings.TrimSpace(value)
		if rest, found := strings.CutPrefix(cred, "Bearer "); found {
			cred = rest
		} else if rest, found := strings.CutPrefix(cred, "bearer "); found {
			cred = rest
		}
		if cred == "" {
			return "", false
		}
		return cred, true
	}
	return "", false
}

// publicError is the JSON error document written to public callers. It
// mirrors the observability API envelope so every HTTP-shaped surface of
// the server speaks the same error dialect.
type publicError struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// writeHTTPError writes a minimal HTTP response with a JSON error body and
// closes the connection. Errors are ignored: the caller is already on a
// failure path and owns no further use of the socket.
func writeHTTPError(conn net.Conn, status int, message string) {
	defer conn.Close()

	body, err := json.Marshal(publicError{
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}

	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
}
