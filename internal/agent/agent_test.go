package agent

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sxhxliang/frpx/internal/protocol"
)

func pipePair() (*protocol.Conn, *protocol.Conn) {
	a, b := net.Pipe()
	return protocol.NewConn(a), protocol.NewConn(b)
}

func staticCreds(email, password string) CredentialSource {
	return func(context.Context) (string, string, error) {
		return email, password, nil
	}
}

func TestAuthenticateWithStoredToken(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := saveToken(dir, "stored-token"); err != nil {
		t.Fatalf("save token: %v", err)
	}

	m := New(Config{StateDir: dir}, zap.NewNop())
	agentSide, serverSide := pipePair()

	done := make(chan error, 1)
	go func() {
		done <- m.authenticate(context.Background(), agentSide)
	}()

	f, err := serverSide.ReadFrame()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	lbt, ok := f.(*protocol.LoginByToken)
	if !ok {
		t.Fatalf("got %s frame, want LoginByToken", f.FrameType())
	}
	if lbt.Token != "stored-token" {
		t.Fatalf("token = %q", lbt.Token)
	}
	if err := serverSide.WriteFrame(&protocol.LoginResult{OK: true}); err != nil {
		t.Fatalf("server write: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("authenticate: %v", err)
	}
}

func TestAuthenticateRejectedTokenFallsBackToCredentials(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := saveToken(dir, "stale-token"); err != nil {
		t.Fatalf("save token: %v", err)
	}

	m := New(Config{
		StateDir:    dir,
		Credentials: staticCreds("test@example.com", "123456"),
	}, zap.NewNop())
	agentSide, serverSide := pipePair()

	done := make(chan error, 1)
	go func() {
		done <- m.authenticate(context.Background(), agentSide)
	}()

	if _, err := serverSide.ReadFrame(); err != nil {
		t.Fatalf("server read token frame: %v", err)
	}
	if err := serverSide.WriteFrame(&protocol.LoginResult{OK: false, Message: "invalid token"}); err != nil {
		t.Fatalf("server write: %v", err)
	}

	f, err := serverSide.ReadFrame()
	if err != nil {
		t.Fatalf("server read login frame: %v", err)
	}
	login, ok := f.(*protocol.Login)
	if !ok {
		t.Fatalf("got %s frame, want Login", f.FrameType())
	}
	if login.Email != "test@example.com" || login.Password != "123456" {
		t.Fatalf("credentials = %q/%q", login.Email, login.Password)
	}
	if err := serverSide.WriteFrame(&protocol.LoginResult{OK: true, Token: "fresh-token"}); err != nil {
		t.Fatalf("server write: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	// The fresh token replaced the rejected one.
	token, err := loadToken(dir)
	if err != nil {
		t.Fatalf("load token: %v", err)
	}
	if token != "fresh-token" {
		t.Fatalf("stored token = %q, want fresh-token", token)
	}
}

func TestRegisterRejected(t *testing.T) {
	t.Parallel()

	m := New(Config{
		ClientID:  "agent-1",
		LocalAddr: "127.0.0.1:1",
	}, zap.NewNop())
	agentSide, serverSide := pipePair()

	done := make(chan error, 1)
	go func() {
		done <- m.register(context.Background(), agentSide)
	}()

	f, err := serverSide.ReadFrame()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	reg, ok := f.(*protocol.Register)
	if !ok {
		t.Fatalf("got %s frame, want Register", f.FrameType())
	}
	if reg.ClientID != "agent-1" {
		t.Fatalf("client_id = %q", reg.ClientID)
	}
	if err := serverSide.WriteFrame(&protocol.RegisterResult{OK: false, Message: "duplicate client id"}); err != nil {
		t.Fatalf("server write: %v", err)
	}

	if err := <-done; err == nil {
		t.Fatal("register succeeded, want rejection error")
	}
}

func TestServeProxySplicesToLocalService(t *testing.T) {
	t.Parallel()

	// Fake local service: echoes everything back.
	localLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen local: %v", err)
	}
	defer localLn.Close()
	go func() {
		c, err := localLn.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 5)
		if _, err := io.ReadFull(c, buf); err == nil {
			c.Write(buf)
		}
		c.Close()
	}()

	// Fake server proxy port.
	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen proxy: %v", err)
	}
	defer proxyLn.Close()

	host, portStr, _ := net.SplitHostPort(proxyLn.Addr().String())
	port, _ := strconv.Atoi(portStr)

	m := New(Config{
		ServerHost: host,
		ProxyPort:  port,
		LocalAddr:  localLn.Addr().String(),
	}, zap.NewNop())

	go m.serveProxy(context.Background(), "rv-1")

	nc, err := proxyLn.Accept()
	if err != nil {
		t.Fatalf("accept proxy: %v", err)
	}
	conn := protocol.NewConn(nc)

	f, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("read identify frame: %v", err)
	}
	npc, ok := f.(*protocol.NewProxyConn)
	if !ok {
		t.Fatalf("got %s frame, want NewProxyConn", f.FrameType())
	}
	if npc.ID != "rv-1" {
		t.Fatalf("rendezvous id = %q", npc.ID)
	}

	// Raw bytes after the frame must round-trip through the local echo.
	nc.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := nc.Write([]byte("hello")); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn.Reader(), buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("echo = %q", buf)
	}
	nc.Close()
}

func TestFetchModels(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"id":"llama-3-8b","object":"model","owned_by":"meta"}]}`))
	}))
	defer srv.Close()

	addr := srv.Listener.Addr().String()
	models, err := FetchModels(context.Background(), addr)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(models) != 1 || models[0].ID != "llama-3-8b" {
		t.Fatalf("models = %+v", models)
	}
}

func TestFetchModelsUnreachable(t *testing.T) {
	t.Parallel()

	if _, err := FetchModels(context.Background(), "127.0.0.1:1"); err == nil {
		t.Fatal("fetch succeeded against a dead port")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	token, err := loadToken(dir)
	if err != nil {
		t.Fatalf("load from empty dir: %v", err)
	}
	if token != "" {
		t.Fatalf("token = %q, want empty", token)
	}

	if err := saveToken(dir, "abc123"); err != nil {
		t.Fatalf("save: %v", err)
	}
	token, err = loadToken(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if token != "abc123" {
		t.Fatalf("token = %q", token)
	}

	if err := clearToken(dir); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := clearToken(dir); err != nil {
		t.Fatalf("clear again: %v", err)
	}
	token, _ = loadToken(dir)
	if token != "" {
		t.Fatalf("token = %q after clear", token)
	}
}

func TestBackoffProgression(t *testing.T) {
	t.Parallel()

	b := backoffInitial
	for i := 0; i < 10; i++ {
		b = nextBackoff(b)
		if b > backoffMax {
			t.Fatalf("backoff %v exceeds cap %v", b, backoffMax)
		}
	}
	if b != backoffMax {
		t.Fatalf("backoff = %v, want cap %v after many failures", b, backoffMax)
	}

	for i := 0; i < 100; i++ {
		d := jitter(10 * time.Second)
		if d < 8*time.Second || d > 12*time.Second {
			t.Fatalf("jitter(10s) = %v, outside ±20%%", d)
		}
	}
}
