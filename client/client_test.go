package client

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrownet/burrow/tunnel"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// controlPlane fakes the allocation endpoint, handing out the given
// agent-pool port.
func controlPlane(t *testing.T, agentPort int, wantCredential string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/mytunnelpassword" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if wantCredential != "" && r.URL.Query().Get("credential") != wantCredential {
			http.Error(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}
		id := r.URL.Path[1:]
		if id == "" {
			id = "random42"
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":             id,
			"port":           agentPort,
			"max_conn_count": 2,
			"url":            "http://" + id + ".test.local",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// echoServer runs a local TCP echo service and returns its port.
func echoServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						if _, werr := conn.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestOpenAllocatesAndConnects(t *testing.T) {
	log := testLogger()
	pool, err := tunnel.NewPool(10, log)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Shutdown()

	localPort := echoServer(t)
	cp := controlPlane(t, pool.Port(), "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(Config{
		Server:    cp.URL,
		Subdomain: "demo",
		LocalPort: localPort,
		MaxConn:   2,
	}, log)

	tunnelURL, err := c.Open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if tunnelURL != "http://demo.test.local" {
		t.Fatalf("unexpected tunnel url %q", tunnelURL)
	}

	// The supervisor should park max_conn_count agent sockets in the pool.
	takeCtx, takeCancel := context.WithTimeout(ctx, 2*time.Second)
	defer takeCancel()
	agent, err := pool.Take(takeCtx)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	defer pool.Release()
	defer agent.Close()

	// Bytes written to the agent socket round-trip through the local echo.
	if _, err := agent.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	agent.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, 4)
	if _, err := io.ReadFull(agent, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != "ping" {
		t.Fatalf("expected ping, got %q", got)
	}
}

func TestOpenRespectsConnectionCap(t *testing.T) {
	log := testLogger()
	pool, err := tunnel.NewPool(10, log)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Shutdown()

	localPort := echoServer(t)
	cp := controlPlane(t, pool.Port(), "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Server allows 2, client allows 1: the cap is the minimum.
	c := New(Config{Server: cp.URL, Subdomain: "demo", LocalPort: localPort, MaxConn: 1}, log)
	if _, err := c.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && pool.Stats().Waiting < 1 {
		time.Sleep(10 * time.Millisecond)
	}
	// Allow the supervisor a moment to (incorrectly) open more.
	time.Sleep(100 * time.Millisecond)
	if got := pool.Stats().Waiting; got != 1 {
		t.Fatalf("expected exactly 1 parked agent socket, got %d", got)
	}
}

func TestOpenSendsCredential(t *testing.T) {
	log := testLogger()
	pool, err := tunnel.NewPool(10, log)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Shutdown()

	cp := controlPlane(t, pool.Port(), "hunter2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(Config{Server: cp.URL, Subdomain: "demo", LocalPort: echoServer(t), MaxConn: 1}, log)
	if _, err := c.Open(ctx); err == nil {
		t.Fatal("expected allocation failure without credential")
	}

	c = New(Config{Server: cp.URL, Subdomain: "demo", LocalPort: echoServer(t), MaxConn: 1, Credential: "hunter2"}, log)
	if _, err := c.Open(ctx); err != nil {
		t.Fatalf("open with credential: %v", err)
	}
}

func TestShutdownClosesAgentSockets(t *testing.T) {
	log := testLogger()
	pool, err := tunnel.NewPool(10, log)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Shutdown()

	localPort := echoServer(t)
	cp := controlPlane(t, pool.Port(), "")

	ctx, cancel := context.WithCancel(context.Background())

	c := New(Config{Server: cp.URL, Subdomain: "demo", LocalPort: localPort, MaxConn: 1}, log)
	if _, err := c.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}

	takeCtx, takeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer takeCancel()
	agent, err := pool.Take(takeCtx)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	defer pool.Release()
	defer agent.Close()

	cancel()

	// The worker must close its side promptly once the context ends.
	agent.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := agent.Read(buf); err == nil {
		t.Fatal("expected agent socket to close on shutdown")
	}
}

func TestAllocateDefaultsToNewSentinel(t *testing.T) {
	var gotURI string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.URL.RequestURI()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "rnd", "port": 1, "max_conn_count": 1, "url": "http://rnd.test.local",
		})
	}))
	defer srv.Close()

	c := New(Config{Server: srv.URL, LocalPort: 1, MaxConn: 1}, testLogger())
	desc, err := c.allocate(context.Background())
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if desc.ID != "rnd" {
		t.Fatalf("unexpected id %q", desc.ID)
	}
	if gotURI != "/?new" {
		t.Fatalf("expected /?new request, got %q", gotURI)
	}
}

func TestAllocateEscapesCredential(t *testing.T) {
	var gotCredential string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCredential = r.URL.Query().Get("credential")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "demo", "port": 1, "max_conn_count": 1, "url": "http://demo.test.local",
		})
	}))
	defer srv.Close()

	secret := "p@ss word&more"
	c := New(Config{Server: srv.URL, Subdomain: "demo", LocalPort: 1, MaxConn: 1, Credential: secret}, testLogger())
	if _, err := c.allocate(context.Background()); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if gotCredential != secret {
		t.Fatalf("credential mangled in transit: %q", gotCredential)
	}
}

func TestDialHost(t *testing.T) {
	tests := []struct {
		ip     string
		server string
		want   string
	}{
		{"10.0.0.7", "https://lt.example.com", "10.0.0.7"},
		{"", "https://lt.example.com", "lt.example.com"},
		{"", "", DefaultLocalHost},
	}
	for _, tc := range tests {
		if got := dialHost(tc.ip, tc.server); got != tc.want {
			t.Fatalf("dialHost(%q, %q) = %q, want %q", tc.ip, tc.server, got, tc.want)
		}
	}
}

func TestServerHost(t *testing.T) {
	tests := []struct {
		server string
		want   string
	}{
		{"https://localtunnel.me", "localtunnel.me"},
		{"http://127.0.0.1:4000", "127.0.0.1"},
		{"lt.example.com", "lt.example.com"},
		{"lt.example.com:3000/path", "lt.example.com"},
	}
	for _, tc := range tests {
		if got := serverHost(tc.server); got != tc.want {
			t.Fatalf("serverHost(%q) = %q, want %q", tc.server, got, tc.want)
		}
	}
}
