package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrownet/burrow/tunnel"
)

const (
	// maxHeadBytes caps how much of the first request is buffered while
	// searching for the Host header.
	maxHeadBytes = 8 * 1024

	headReadTimeout = 10 * time.Second
)

// userAcceptor listens on the public proxy port, routes each inbound
// connection to a tunnel by the Host header of its first request, and
// pairs it with a waiting agent socket. Past the pairing point the
// bytes are opaque.
type userAcceptor struct {
	ln          net.Listener
	manager     *tunnel.Manager
	takeTimeout time.Duration
	log         zerolog.Logger
}

func newUserAcceptor(port int, manager *tunnel.Manager, takeTimeout time.Duration, log zerolog.Logger) (*userAcceptor, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind proxy listener: %w", err)
	}
	return &userAcceptor{
		ln:          ln,
		manager:     manager,
		takeTimeout: takeTimeout,
		log:         log.With().Str("component", "proxy").Int("port", port).Logger(),
	}, nil
}

func (ua *userAcceptor) run(ctx context.Context) {
	for {
		conn, err := ua.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				ua.log.Error().Err(err).Msg("user accept failed")
			}
			return
		}
		go ua.handle(ctx, conn)
	}
}

func (ua *userAcceptor) close() {
	ua.ln.Close()
}

// handle reads the first request head, resolves the target tunnel from
// the leftmost Host label, takes an agent socket and splices the two
// connections. The buffered head is replayed to the agent so the user
// stream is delivered intact.
func (ua *userAcceptor) handle(ctx context.Context, conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(headReadTimeout))
	br := bufio.NewReaderSize(conn, maxHeadBytes)

	head, host, err := readRequestHead(br)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		ua.log.Debug().Err(err).Msg("malformed first request")
		conn.Close()
		return
	}

	subdomain := leftmostLabel(host)
	t := ua.manager.Get(subdomain)
	if t == nil {
		ua.log.Debug().Str("host", host).Msg("no tunnel for host")
		writeRawResponse(conn, 404, "Not Found", "tunnel not found")
		conn.Close()
		return
	}
	t.Touch()

	takeCtx, cancel := context.WithTimeout(ctx, ua.takeTimeout)
	agent, err := t.Pool().Take(takeCtx)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, tunnel.ErrTunnelGone):
			writeRawResponse(conn, 502, "Bad Gateway", "tunnel is gone")
		default:
			writeRawResponse(conn, 504, "Gateway Timeout", "no agent connection available")
		}
		conn.Close()
		return
	}
	defer t.Pool().Release()

	// Replay the consumed head, then hand both sockets to the pump. The
	// bufio reader keeps serving any bytes it buffered past the head.
	if _, err := agent.Write(head); err != nil {
		ua.log.Debug().Err(err).Msg("head replay failed")
		agent.Close()
		conn.Close()
		return
	}
	user := tunnel.WrapConn(conn, br)

	if err := tunnel.Pump(user, agent); err != nil {
		ua.log.Debug().Err(err).Str("tunnel", t.ID).Msg("pump finished with error")
	}
}

// readRequestHead consumes header lines up to the blank line or
// maxHeadBytes, returning the raw consumed bytes and the Host value.
func readRequestHead(br *bufio.Reader) ([]byte, string, error) {
	var head bytes.Buffer
	var host string

	for head.Len() < maxHeadBytes {
		line, err := br.ReadString('\n')
		head.WriteString(line)
		if err != nil {
			return nil, "", fmt.Errorf("read request head: %w", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if host == "" {
				return nil, "", errors.New("no Host header in first request")
			}
			return head.Bytes(), host, nil
		}
		if name, value, ok := strings.Cut(trimmed, ":"); ok {
			if strings.EqualFold(strings.TrimSpace(name), "Host") {
				host = strings.TrimSpace(value)
			}
		}
	}
	return nil, "", errors.New("request head too large")
}

// leftmostLabel extracts the subdomain from a Host header value,
// dropping any port suffix.
func leftmostLabel(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	label, _, _ := strings.Cut(host, ".")
	return label
}

func writeRawResponse(conn net.Conn, status int, reason, body string) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, reason, len(body), body)
}
