// Package client maintains the agent side of a tunnel: it asks the
// proxy server for an endpoint, then keeps a bounded pool of outbound
// TCP connections that splice proxied traffic into the local service.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/burrownet/burrow/tunnel"
)

const (
	DefaultServer    = "https://localtunnel.me"
	DefaultLocalHost = "127.0.0.1"

	allocateTimeout = 10 * time.Second
	retryDelay      = 10 * time.Second
)

// Config carries the flag-driven client settings.
type Config struct {
	Server     string
	Subdomain  string
	LocalHost  string
	LocalPort  int
	MaxConn    int
	Credential string
}

// descriptor is the allocation response from the proxy server.
type descriptor struct {
	ID           string `json:"id"`
	Port         int    `json:"port"`
	MaxConnCount int    `json:"max_conn_count"`
	URL          string `json:"url"`
	CachedURL    string `json:"cached_url"`
	IP           string `json:"ip"`
}

// Client drives one tunnel.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        zerolog.Logger
}

// New returns a Client for cfg. Zero-valued fields fall back to the
// package defaults.
func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	cfg.Server = strings.TrimRight(cfg.Server, "/")
	if cfg.LocalHost == "" {
		cfg.LocalHost = DefaultLocalHost
	}
	if cfg.MaxConn < 1 {
		cfg.MaxConn = 1
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: allocateTimeout},
		log:        log.With().Str("component", "client").Logger(),
	}
}

// Open allocates the tunnel endpoint and starts the connection
// supervisor in the background. It returns the public tunnel URL.
// The supervisor stops when ctx is cancelled.
func (c *Client) Open(ctx context.Context) (string, error) {
	desc, err := c.allocate(ctx)
	if err != nil {
		return "", err
	}

	host := dialHost(desc.IP, c.cfg.Server)

	count := desc.MaxConnCount
	if count < 1 {
		count = 1
	}
	if c.cfg.MaxConn < count {
		count = c.cfg.MaxConn
	}
	c.log.Info().Int("count", count).Str("remote", fmt.Sprintf("%s:%d", host, desc.Port)).Msg("connection limit")

	go c.maintain(ctx, host, desc.Port, count)

	if desc.CachedURL != "" {
		c.log.Info().Str("cached_url", desc.CachedURL).Msg("cached tunnel url")
	}
	c.fetchTunnelPassword(ctx)

	return desc.URL, nil
}

// allocate performs the endpoint allocation call and parses the
// descriptor.
func (c *Client) allocate(ctx context.Context) (*descriptor, error) {
	endpoint := c.cfg.Subdomain
	if endpoint == "" {
		endpoint = "?new"
	}
	uri := c.cfg.Server + "/" + endpoint
	if c.cfg.Credential != "" {
		sep := "?"
		if strings.Contains(uri, "?") {
			sep = "&"
		}
		uri += sep + "credential=" + url.QueryEscape(c.cfg.Credential)
	}
	c.log.Info().Str("uri", uri).Msg("requesting tunnel endpoint")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("allocation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("allocation failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var desc descriptor
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	c.log.Debug().Str("id", desc.ID).Int("port", desc.Port).Str("url", desc.URL).Msg("descriptor received")
	return &desc, nil
}

// maintain keeps up to count concurrent proxy connections alive until
// ctx is cancelled. Each permit backs exactly one worker; a worker that
// fails sleeps before giving its permit back so a dead server is not
// hammered.
func (c *Client) maintain(ctx context.Context, host string, port, count int) {
	sem := semaphore.NewWeighted(int64(count))
	addr := fmt.Sprintf("%s:%d", host, port)

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			c.log.Info().Msg("supervisor stopped")
			return
		}
		go func() {
			defer sem.Release(1)
			c.log.Debug().Msg("opening proxy connection")
			if err := c.proxyOnce(ctx, addr); err != nil && ctx.Err() == nil {
				c.log.Error().Err(err).Msg("proxy connection failed")
				select {
				case <-time.After(retryDelay):
				case <-ctx.Done():
				}
			}
		}()
	}
}

// proxyOnce dials the agent-pool port and the local service, then
// splices them until either side closes. Cancelling ctx closes both
// sockets promptly.
func (c *Client) proxyOnce(ctx context.Context, remoteAddr string) error {
	var d net.Dialer

	remote, err := d.DialContext(ctx, "tcp", remoteAddr)
	if err != nil {
		return fmt.Errorf("dial remote %s: %w", remoteAddr, err)
	}
	if err := tunnel.SetKeepAlive(remote); err != nil {
		c.log.Debug().Err(err).Msg("keepalive setup failed")
	}

	localAddr := fmt.Sprintf("%s:%d", c.cfg.LocalHost, c.cfg.LocalPort)
	local, err := d.DialContext(ctx, "tcp", localAddr)
	if err != nil {
		remote.Close()
		return fmt.Errorf("dial local %s: %w", localAddr, err)
	}

	stop := context.AfterFunc(ctx, func() {
		remote.Close()
		local.Close()
	})
	defer stop()

	return tunnel.Pump(remote, local)
}

// fetchTunnelPassword opportunistically retrieves the server's tunnel
// password and prints it. Failures never block tunnel setup.
func (c *Client) fetchTunnelPassword(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Server+"/mytunnelpassword", nil)
	if err != nil {
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Msg("tunnel password fetch failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		c.log.Debug().Err(err).Msg("tunnel password read failed")
		return
	}
	fmt.Println("Tunnel password:", strings.TrimSpace(string(body)))
}

// dialHost picks the address for agent connections: the descriptor's
// ip when the server advertises one, otherwise the host portion of the
// control-plane URL.
func dialHost(descriptorIP, server string) string {
	if descriptorIP != "" {
		return descriptorIP
	}
	if host := serverHost(server); host != "" {
		return host
	}
	return DefaultLocalHost
}

// serverHost extracts the host portion of the control-plane URL.
func serverHost(server string) string {
	if parsed, err := url.Parse(server); err == nil && parsed.Host != "" {
		return parsed.Hostname()
	}
	_, remainder, found := strings.Cut(server, "://")
	if !found {
		remainder = server
	}
	host := strings.TrimSpace(strings.Split(remainder, "/")[0])
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
