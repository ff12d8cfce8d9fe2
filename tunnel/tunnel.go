// Package tunnel holds the data plane of the proxy server: the
// per-subdomain agent socket pool, the registry of live tunnels and the
// bidirectional byte pump shared with the client.
package tunnel

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Tunnel binds a subdomain to its agent socket pool. It is created by
// the Manager on first allocation and lives until it is removed, reaped
// for idleness or the server shuts down.
type Tunnel struct {
	ID        string
	pool      *Pool
	createdAt time.Time

	lastActive atomic.Int64 // unix nanos
}

func newTunnel(id string, maxSockets int, log zerolog.Logger) (*Tunnel, error) {
	pool, err := NewPool(maxSockets, log.With().Str("tunnel", id).Logger())
	if err != nil {
		return nil, err
	}
	t := &Tunnel{
		ID:        id,
		pool:      pool,
		createdAt: time.Now(),
	}
	t.Touch()
	return t, nil
}

// Port returns the agent-pool port assigned to this tunnel.
func (t *Tunnel) Port() int {
	return t.pool.Port()
}

// Pool returns the tunnel's agent socket pool.
func (t *Tunnel) Pool() *Pool {
	return t.pool
}

// Touch refreshes the tunnel's last-activity timestamp.
func (t *Tunnel) Touch() {
	t.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns the time of the most recent allocation or user
// connection.
func (t *Tunnel) LastActive() time.Time {
	return time.Unix(0, t.lastActive.Load())
}

// ConnectedSockets returns the number of currently paired agent sockets.
func (t *Tunnel) ConnectedSockets() int {
	return t.pool.Stats().Paired
}

// Close tears the tunnel down. Waiting agent sockets are closed and
// pending takers fail; running pumps drain naturally.
func (t *Tunnel) Close() {
	t.pool.Shutdown()
}
