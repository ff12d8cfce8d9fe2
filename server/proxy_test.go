package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrownet/burrow/tunnel"
)

func startAcceptor(t *testing.T, manager *tunnel.Manager, takeTimeout time.Duration) *userAcceptor {
	t.Helper()
	ua, err := newUserAcceptor(0, manager, takeTimeout, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("new acceptor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go ua.run(ctx)
	t.Cleanup(func() {
		cancel()
		ua.close()
	})
	return ua
}

func dialAcceptor(t *testing.T, ua *userAcceptor) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", ua.ln.Addr().String())
	if err != nil {
		t.Fatalf("dial acceptor: %v", err)
	}
	return conn
}

// echoAgent parks an agent socket in the tunnel's pool and echoes
// whatever arrives on it once paired.
func echoAgent(t *testing.T, tun *tunnel.Tunnel) {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", tun.Port()))
	if err != nil {
		t.Fatalf("dial pool: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	go func() {
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

func waitForWaiting(t *testing.T, tun *tunnel.Tunnel, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tun.Pool().Stats().Waiting == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pool never reached %d waiting sockets", want)
}

const requestHead = "GET / HTTP/1.1\r\nHost: demo.test.local\r\n\r\n"

func TestProxyPairsUserWithAgent(t *testing.T) {
	log := zerolog.New(io.Discard)
	manager := tunnel.NewManager(10, log)
	defer manager.Close()

	tun, err := manager.Put("demo")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	echoAgent(t, tun)
	waitForWaiting(t, tun, 1)

	ua := startAcceptor(t, manager, 2*time.Second)
	user := dialAcceptor(t, ua)
	defer user.Close()

	// The request head is replayed to the agent, so the echo returns it
	// followed by whatever is written afterwards.
	if _, err := user.Write([]byte(requestHead)); err != nil {
		t.Fatalf("write head: %v", err)
	}
	if _, err := user.Write([]byte("ping")); err != nil {
		t.Fatalf("write body: %v", err)
	}

	want := requestHead + "ping"
	user.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(want))
	if _, err := io.ReadFull(user, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != want {
		t.Fatalf("echo mismatch:\nwant %q\ngot  %q", want, got)
	}
}

func TestProxyUnknownHostReturns404(t *testing.T) {
	log := zerolog.New(io.Discard)
	manager := tunnel.NewManager(10, log)
	defer manager.Close()

	ua := startAcceptor(t, manager, time.Second)
	user := dialAcceptor(t, ua)
	defer user.Close()

	fmt.Fprintf(user, "GET / HTTP/1.1\r\nHost: nobody.test.local\r\n\r\n")

	resp, err := http.ReadResponse(bufio.NewReader(user), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestProxyEmptyPoolReturns504(t *testing.T) {
	log := zerolog.New(io.Discard)
	manager := tunnel.NewManager(10, log)
	defer manager.Close()

	if _, err := manager.Put("demo"); err != nil {
		t.Fatalf("put: %v", err)
	}

	ua := startAcceptor(t, manager, 100*time.Millisecond)
	user := dialAcceptor(t, ua)
	defer user.Close()

	fmt.Fprint(user, requestHead)

	resp, err := http.ReadResponse(bufio.NewReader(user), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", resp.StatusCode)
	}
}

func TestProxyTornDownTunnelReturns502(t *testing.T) {
	log := zerolog.New(io.Discard)
	manager := tunnel.NewManager(10, log)
	defer manager.Close()

	tun, err := manager.Put("demo")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	ua := startAcceptor(t, manager, 5*time.Second)
	user := dialAcceptor(t, ua)
	defer user.Close()

	fmt.Fprint(user, requestHead)

	// Tear the tunnel down while the taker waits on the empty pool.
	time.Sleep(100 * time.Millisecond)
	tun.Close()

	resp, err := http.ReadResponse(bufio.NewReader(user), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
}

func TestLeftmostLabel(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"demo.test.local", "demo"},
		{"demo.test.local:4001", "demo"},
		{"demo", "demo"},
	}
	for _, tc := range tests {
		if got := leftmostLabel(tc.host); got != tc.want {
			t.Fatalf("leftmostLabel(%q) = %q, want %q", tc.host, got, tc.want)
		}
	}
}

func TestReadRequestHeadRejectsMissingHost(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\n\r\n"))
	if _, _, err := readRequestHead(br); err == nil {
		t.Fatal("expected error for request without Host header")
	}
}
