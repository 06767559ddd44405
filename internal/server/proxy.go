package server

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/sxhxliang/frpx/internal/protocol"
	"github.com/sxhxliang/frpx/internal/splice"
)

// proxyFrameDeadline bounds the read of the identifying first frame so a
// parked socket cannot pin server resources.
const proxyFrameDeadline = 5 * time.Second

// handleProxy matches one agent-dialed proxy connection to its pending
// public connection. The socket's first and only frame must be NewProxyConn
// naming a rendezvous id the router put in the pending table; everything
// after that frame is the raw byte stream for the splice.
func (s *Server) handleProxy(nc net.Conn) {
	conn := protocol.NewConn(nc)
	logger := s.logger.With(zap.String("remote_addr", conn.RemoteAddr().String()))

	conn.SetReadDeadline(time.Now().Add(proxyFrameDeadline))
	f, err := conn.ReadFrame()
	if err != nil {
		logger.Warn("proxy connection: failed to read first frame", zap.Error(err))
		conn.Close()
		return
	}

	npc, ok := f.(*protocol.NewProxyConn)
	if !ok {
		logger.Warn("proxy connection: first frame was not NewProxyConn",
			zap.String("frame_type", f.FrameType()),
		)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	publicConn, prefix, ok := s.pending.Take(npc.ID)
	if !ok {
		// The rendezvous timed out, was abandoned, or the id is garbage.
		logger.Warn("proxy connection: no pending entry",
			zap.String("rendezvous_id", npc.ID),
		)
		conn.Close()
		return
	}

	s.metrics.RendezvousMatched.Inc()
	logger.Info("rendezvous matched", zap.String("rendezvous_id", npc.ID))

	// The splice owns both sockets from here. The sniffed request prefix
	// replays toward the agent, and the proxy side reads through the
	// protocol.Conn's buffer in case raw bytes arrived on the heels of the
	// NewProxyConn frame.
	err = splice.Join(
		splice.Endpoint{Conn: publicConn},
		splice.Endpoint{Reader: conn.Reader(), Conn: conn.NetConn()},
		prefix,
	)
	if err != nil {
		logger.Debug("splice ended with error",
			zap.String("rendezvous_id", npc.ID),
			zap.Error(err),
		)
	}
}
