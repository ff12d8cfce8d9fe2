package tunnel

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// NewSentinel requests a randomly assigned subdomain from Put.
const NewSentinel = "?new"

const randomIDLength = 8

const randomIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Manager is the registry of live tunnels, keyed by subdomain. All map
// mutations are serialized so concurrent Put calls for one subdomain
// yield exactly one tunnel.
type Manager struct {
	mu         sync.Mutex
	tunnels    map[string]*Tunnel
	maxSockets int
	log        zerolog.Logger
}

// NewManager returns an empty registry whose tunnels allow up to
// maxSockets concurrent agent sockets each.
func NewManager(maxSockets int, log zerolog.Logger) *Manager {
	return &Manager{
		tunnels:    make(map[string]*Tunnel),
		maxSockets: maxSockets,
		log:        log.With().Str("component", "manager").Logger(),
	}
}

// Put returns the tunnel for id, creating it when absent. An existing
// tunnel is reused as-is with its activity refreshed, so repeated
// allocations of one subdomain are idempotent. Passing NewSentinel
// assigns a fresh random subdomain.
func (m *Manager) Put(id string) (*Tunnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id == NewSentinel {
		id = m.randomID()
	}

	if t, ok := m.tunnels[id]; ok {
		t.Touch()
		return t, nil
	}

	t, err := newTunnel(id, m.maxSockets, m.log)
	if err != nil {
		return nil, err
	}
	m.tunnels[id] = t
	m.log.Info().Str("tunnel", id).Int("port", t.Port()).Msg("tunnel created")
	return t, nil
}

// Get looks up a live tunnel without mutating the registry. Returns nil
// when id is unknown.
func (m *Manager) Get(id string) *Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tunnels[id]
}

// Remove tears down the tunnel for id and drops it from the registry.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	t, ok := m.tunnels[id]
	if ok {
		delete(m.tunnels, id)
	}
	m.mu.Unlock()

	if ok {
		t.Close()
		m.log.Info().Str("tunnel", id).Msg("tunnel removed")
	}
}

// Count returns the number of live tunnels.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tunnels)
}

// ReapIdle removes tunnels whose last activity is older than ttl and
// that have no paired sockets.
func (m *Manager) ReapIdle(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	var idle []*Tunnel
	for id, t := range m.tunnels {
		if t.LastActive().Before(cutoff) && t.ConnectedSockets() == 0 {
			delete(m.tunnels, id)
			idle = append(idle, t)
		}
	}
	m.mu.Unlock()

	for _, t := range idle {
		t.Close()
		m.log.Info().Str("tunnel", t.ID).Msg("idle tunnel reaped")
	}
}

// StartReaper runs ReapIdle on a ticker until ctx ends.
func (m *Manager) StartReaper(ctx context.Context, interval, ttl time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.ReapIdle(ttl)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close tears down every live tunnel.
func (m *Manager) Close() {
	m.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		tunnels = append(tunnels, t)
	}
	m.tunnels = make(map[string]*Tunnel)
	m.mu.Unlock()

	for _, t := range tunnels {
		t.Close()
	}
}

// randomID generates a fresh lowercase alphanumeric subdomain that is
// not already taken. Callers hold m.mu.
func (m *Manager) randomID() string {
	for {
		b := make([]byte, randomIDLength)
		for i := range b {
			b[i] = randomIDAlphabet[rand.Intn(len(randomIDAlphabet))]
		}
		id := string(b)
		if _, ok := m.tunnels[id]; !ok {
			return id
		}
	}
}
