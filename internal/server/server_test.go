package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sxhxliang/frpx/internal/auth"
	"github.com/sxhxliang/frpx/internal/protocol"
	"github.com/sxhxliang/frpx/internal/registry"
)

const (
	testBootstrapKey = "bootstrap-key"
	testEmail        = "test@example.com"
	testPassword     = "123456"
)

// startServer runs a full server on ephemeral ports and tears it down with
// the test.
func startServer(t *testing.T) *Server {
	t.Helper()
	srv, _ := startServerTimings(t, Config{
		// Tight timings so failure paths resolve within test patience.
		RendezvousTimeout: 2 * time.Second,
		SweepInterval:     100 * time.Millisecond,
		HeartbeatStale:    10 * time.Second,
		ReapInterval:      time.Second,
	})
	return srv
}

// startServerTimings runs a server with the given timing knobs and returns
// it with an idempotent stop function, for tests that observe shutdown.
func startServerTimings(t *testing.T, cfg Config) (*Server, func()) {
	t.Helper()

	users, err := auth.NewUsers([]string{testEmail + ":" + testPassword})
	if err != nil {
		t.Fatalf("users: %v", err)
	}

	cfg.ControlAddr = "127.0.0.1:0"
	cfg.ProxyAddr = "127.0.0.1:0"
	cfg.PublicAddr = "127.0.0.1:0"

	srv := New(
		cfg,
		registry.New(zap.NewNop()),
		users,
		auth.NewIssuer("test-secret", time.Hour),
		auth.NewStatic(testBootstrapKey),
		zap.NewNop(),
	)
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			if err := <-done; err != nil {
				t.Errorf("run: %v", err)
			}
		})
	}
	t.Cleanup(stop)
	return srv, stop
}

// dialControl opens a framed control connection.
func dialControl(t *testing.T, srv *Server) *protocol.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", srv.ControlAddr())
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	t.Cleanup(func() { nc.Close() })
	return protocol.NewConn(nc)
}

// connectAgent performs token login and registration for a fake agent.
func connectAgent(t *testing.T, srv *Server, clientID string) *protocol.Conn {
	t.Helper()
	conn := dialControl(t, srv)

	if err := conn.WriteFrame(&protocol.LoginByToken{Token: testBootstrapKey}); err != nil {
		t.Fatalf("write login: %v", err)
	}
	mustLoginOK(t, conn)

	if err := conn.WriteFrame(&protocol.Register{ClientID: clientID, Hostname: "test-host"}); err != nil {
		t.Fatalf("write register: %v", err)
	}
	f, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("read register result: %v", err)
	}
	res, ok := f.(*protocol.RegisterResult)
	if !ok {
		t.Fatalf("got %s frame, want RegisterResult", f.FrameType())
	}
	if !res.OK {
		t.Fatalf("registration rejected: %s", res.Message)
	}
	return conn
}

func mustLoginOK(t *testing.T, conn *protocol.Conn) *protocol.LoginResult {
	t.Helper()
	f, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("read login result: %v", err)
	}
	res, ok := f.(*protocol.LoginResult)
	if !ok {
		t.Fatalf("got %s frame, want LoginResult", f.FrameType())
	}
	if !res.OK {
		t.Fatalf("login rejected: %s", res.Message)
	}
	return res
}

func TestCredentialLoginIssuesReusableToken(t *testing.T) {
	t.Parallel()
	srv := startServer(t)

	conn := dialControl(t, srv)
	if err := conn.WriteFrame(&protocol.Login{Email: testEmail, Password: testPassword}); err != nil {
		t.Fatalf("write login: %v", err)
	}
	res := mustLoginOK(t, conn)
	if res.Token == "" {
		t.Fatal("credential login returned no token")
	}
	conn.Close()

	// The issued token authenticates a fresh connection.
	conn2 := dialControl(t, srv)
	if err := conn2.WriteFrame(&protocol.LoginByToken{Token: res.Token}); err != nil {
		t.Fatalf("write token login: %v", err)
	}
	mustLoginOK(t, conn2)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	t.Parallel()
	srv := startServer(t)

	conn := dialControl(t, srv)
	if err := conn.WriteFrame(&protocol.Login{Email: testEmail, Password: "wrong"}); err != nil {
		t.Fatalf("write login: %v", err)
	}
	f, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("read login result: %v", err)
	}
	if res := f.(*protocol.LoginResult); res.OK {
		t.Fatal("login with bad password accepted")
	}
}

func TestDuplicateClientIDLosesToOriginal(t *testing.T) {
	t.Parallel()
	srv := startServer(t)

	connectAgent(t, srv, "dup-agent")

	conn := dialControl(t, srv)
	if err := conn.WriteFrame(&protocol.LoginByToken{Token: testBootstrapKey}); err != nil {
		t.Fatalf("write login: %v", err)
	}
	mustLoginOK(t, conn)
	if err := conn.WriteFrame(&protocol.Register{ClientID: "dup-agent"}); err != nil {
		t.Fatalf("write register: %v", err)
	}
	f, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("read register result: %v", err)
	}
	if res := f.(*protocol.RegisterResult); res.OK {
		t.Fatal("duplicate registration accepted")
	}
	if srv.Stats().ActiveAgents != 1 {
		t.Fatalf("active agents = %d, want 1", srv.Stats().ActiveAgents)
	}
}

// runFakeBackend serves one rendezvous on the agent side: it waits for
// RequestNewProxyConn, dials the proxy port, identifies, then answers the
// replayed HTTP request.
func runFakeBackend(t *testing.T, srv *Server, control *protocol.Conn, gotRequest chan<- string) {
	t.Helper()
	f, err := control.ReadFrame()
	if err != nil {
		t.Errorf("backend read control: %v", err)
		return
	}
	req, ok := f.(*protocol.RequestNewProxyConn)
	if !ok {
		t.Errorf("backend got %s frame, want RequestNewProxyConn", f.FrameType())
		return
	}

	nc, err := net.Dial("tcp", srv.ProxyAddr())
	if err != nil {
		t.Errorf("backend dial proxy: %v", err)
		return
	}
	defer nc.Close()
	conn := protocol.NewConn(nc)

	if err := conn.WriteFrame(&protocol.NewProxyConn{ID: req.ID}); err != nil {
		t.Errorf("backend identify: %v", err)
		return
	}

	// The replayed request arrives as raw bytes after the frame.
	br := bufio.NewReader(conn.Reader())
	var lines []string
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Errorf("backend read request: %v", err)
			return
		}
		lines = append(lines, line)
		if line == "\r\n" {
			break
		}
	}
	gotRequest <- strings.Join(lines, "")

	nc.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok"))
}

func TestPublicRequestSplicedToAgent(t *testing.T) {
	t.Parallel()
	srv := startServer(t)

	control := connectAgent(t, srv, "backend-agent")
	gotRequest := make(chan string, 1)
	go runFakeBackend(t, srv, control, gotRequest)

	pub, err := net.Dial("tcp", srv.PublicAddr())
	if err != nil {
		t.Fatalf("dial public: %v", err)
	}
	defer pub.Close()
	pub.SetDeadline(time.Now().Add(5 * time.Second))

	request := "GET /v1/models HTTP/1.1\r\nHost: example\r\nAuthorization: Bearer " + testBootstrapKey + "\r\n\r\n"
	if _, err := pub.Write([]byte(request)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp, err := io.ReadAll(pub)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !strings.Contains(string(resp), "200 OK") || !strings.HasSuffix(string(resp), "ok") {
		t.Fatalf("response = %q", resp)
	}

	select {
	case replayed := <-gotRequest:
		if replayed != request {
			t.Fatalf("replayed request = %q, want %q", replayed, request)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backend never saw the request")
	}
}

func TestPublicRejectsMissingCredential(t *testing.T) {
	t.Parallel()
	srv := startServer(t)
	connectAgent(t, srv, "idle-agent")

	pub, err := net.Dial("tcp", srv.PublicAddr())
	if err != nil {
		t.Fatalf("dial public: %v", err)
	}
	defer pub.Close()
	pub.SetDeadline(time.Now().Add(5 * time.Second))

	pub.Write([]byte("GET / HTTP/1.1\r\nHost: example\r\n\r\n"))
	resp, _ := io.ReadAll(pub)
	if !strings.Contains(string(resp), "401") {
		t.Fatalf("response = %q, want 401", resp)
	}
}

func TestPublicRejectsInvalidCredential(t *testing.T) {
	t.Parallel()
	srv := startServer(t)
	connectAgent(t, srv, "idle-agent")

	pub, err := net.Dial("tcp", srv.PublicAddr())
	if err != nil {
		t.Fatalf("dial public: %v", err)
	}
	defer pub.Close()
	pub.SetDeadline(time.Now().Add(5 * time.Second))

	pub.Write([]byte("GET / HTTP/1.1\r\nAuthorization: Bearer nope\r\n\r\n"))
	resp, _ := io.ReadAll(pub)
	if !strings.Contains(string(resp), "401") {
		t.Fatalf("response = %q, want 401", resp)
	}
}

func TestPublicRejectsWhenNoAgents(t *testing.T) {
	t.Parallel()
	srv := startServer(t)

	pub, err := net.Dial("tcp", srv.PublicAddr())
	if err != nil {
		t.Fatalf("dial public: %v", err)
	}
	defer pub.Close()
	pub.SetDeadline(time.Now().Add(5 * time.Second))

	pub.Write([]byte("GET / HTTP/1.1\r\nAuthorization: Bearer " + testBootstrapKey + "\r\n\r\n"))
	resp, _ := io.ReadAll(pub)
	if !strings.Contains(string(resp), "503") {
		t.Fatalf("response = %q, want 503", resp)
	}
}

func TestProxyUnknownRendezvousClosed(t *testing.T) {
	t.Parallel()
	srv := startServer(t)

	nc, err := net.Dial("tcp", srv.ProxyAddr())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer nc.Close()
	nc.SetDeadline(time.Now().Add(5 * time.Second))
	conn := protocol.NewConn(nc)

	if err := conn.WriteFrame(&protocol.NewProxyConn{ID: "no-such-id"}); err != nil {
		t.Fatalf("identify: %v", err)
	}
	if _, err := conn.Reader().ReadByte(); err == nil {
		t.Fatal("connection with unknown rendezvous id stayed open")
	}
}

func TestDisconnectAgentSendsFrame(t *testing.T) {
	t.Parallel()
	srv := startServer(t)

	control := connectAgent(t, srv, "doomed-agent")

	if !srv.DisconnectAgent("doomed-agent", "test teardown") {
		t.Fatal("disconnect reported unknown agent")
	}
	if srv.DisconnectAgent("doomed-agent", "again") {
		t.Fatal("second disconnect reported success")
	}

	// The frame is written before the socket closes, so it arrives ahead
	// of the EOF.
	f, err := control.ReadFrame()
	if err != nil {
		t.Fatalf("read disconnect frame: %v", err)
	}
	d, ok := f.(*protocol.Disconnect)
	if !ok {
		t.Fatalf("got %s frame, want Disconnect", f.FrameType())
	}
	if d.Reason != "test teardown" {
		t.Fatalf("reason = %q", d.Reason)
	}
}

func TestDispatchRetriesPastDeadAgent(t *testing.T) {
	t.Parallel()

	users, err := auth.NewUsers([]string{testEmail + ":" + testPassword})
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	srv := New(
		Config{},
		registry.New(zap.NewNop()),
		users,
		auth.NewIssuer("test-secret", time.Hour),
		auth.NewStatic(testBootstrapKey),
		zap.NewNop(),
	)

	// One agent whose control socket is already dead: every write to it
	// fails. One live agent that accepts dispatches.
	deadPeer, deadConn := net.Pipe()
	deadPeer.Close()
	if err := srv.registry.Insert(&registry.Entry{
		ID:          "dead-agent",
		Conn:        protocol.NewConn(deadConn),
		Authed:      true,
		ConnectedAt: time.Now(),
	}); err != nil {
		t.Fatalf("insert dead agent: %v", err)
	}

	liveConn, livePeer := net.Pipe()
	if err := srv.registry.Insert(&registry.Entry{
		ID:          "live-agent",
		Conn:        protocol.NewConn(liveConn),
		Authed:      true,
		ConnectedAt: time.Now(),
	}); err != nil {
		t.Fatalf("insert live agent: %v", err)
	}

	dispatches := make(chan *protocol.RequestNewProxyConn, 64)
	live := protocol.NewConn(livePeer)
	go func() {
		for {
			f, err := live.ReadFrame()
			if err != nil {
				return
			}
			if req, ok := f.(*protocol.RequestNewProxyConn); ok {
				dispatches <- req
			}
		}
	}()

	request := "GET /v1/models HTTP/1.1\r\nAuthorization: Bearer " + testBootstrapKey + "\r\n\r\n"

	// Selection is random, so drive requests until the dead agent has been
	// picked once. Every request must end up on the live agent regardless
	// of which agent was tried first.
	evicted := false
	for i := 0; i < 50 && !evicted; i++ {
		pub, peer := net.Pipe()
		go peer.Write([]byte(request))

		routed := make(chan struct{})
		go func() {
			srv.routePublic(context.Background(), pub)
			close(routed)
		}()

		select {
		case req := <-dispatches:
			conn, prefix, ok := srv.pending.Take(req.ID)
			if !ok {
				t.Fatal("dispatched rendezvous missing from pending table")
			}
			if string(prefix) != request {
				t.Fatalf("replay prefix = %q, want %q", prefix, request)
			}
			conn.Close()
			peer.Close()
		case <-time.After(5 * time.Second):
			t.Fatal("request was never dispatched to the live agent")
		}
		<-routed

		_, stillThere := srv.registry.Get("dead-agent")
		evicted = !stillThere
	}

	if !evicted {
		t.Fatal("dead agent was never picked and evicted")
	}
	if _, ok := srv.registry.Get("live-agent"); !ok {
		t.Fatal("live agent was evicted")
	}
	if n := srv.pending.Len(); n != 0 {
		t.Fatalf("pending table holds %d entries after dispatches, want 0", n)
	}
}

func TestShutdownClosesPendingSockets(t *testing.T) {
	t.Parallel()

	// Rendezvous timings far beyond test patience: only shutdown itself
	// may close the parked socket.
	srv, stop := startServerTimings(t, Config{
		RendezvousTimeout: time.Minute,
		SweepInterval:     time.Minute,
		HeartbeatStale:    time.Minute,
		ReapInterval:      time.Minute,
	})

	// An agent that acknowledges nothing: it swallows dispatch frames and
	// never dials back, so the public socket stays parked.
	control := connectAgent(t, srv, "silent-agent")
	go func() {
		for {
			if _, err := control.ReadFrame(); err != nil {
				return
			}
		}
	}()

	pub, err := net.Dial("tcp", srv.PublicAddr())
	if err != nil {
		t.Fatalf("dial public: %v", err)
	}
	defer pub.Close()

	request := "GET / HTTP/1.1\r\nAuthorization: Bearer " + testBootstrapKey + "\r\n\r\n"
	if _, err := pub.Write([]byte(request)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for srv.Stats().PendingConnections == 0 {
		if time.Now().After(deadline) {
			t.Fatal("public connection never reached the pending table")
		}
		time.Sleep(10 * time.Millisecond)
	}

	stop()

	// The drained socket surfaces as EOF, not a read timeout.
	pub.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadAll(pub); err != nil {
		t.Fatalf("public socket still open after shutdown: %v", err)
	}
}

func TestHeartbeatUpdatesRegistry(t *testing.T) {
	t.Parallel()
	srv := startServer(t)

	control := connectAgent(t, srv, "hb-agent")
	before, _ := srv.registry.Get("hb-agent")

	time.Sleep(20 * time.Millisecond)
	if err := control.WriteFrame(&protocol.Heartbeat{}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		after, ok := srv.registry.Get("hb-agent")
		if ok && after.LastHeartbeatAt.After(before.LastHeartbeatAt) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("heartbeat never advanced LastHeartbeatAt")
}
