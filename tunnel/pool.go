package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrTunnelGone reports that the tunnel was torn down while a taker was
// waiting for an agent socket.
var ErrTunnelGone = errors.New("tunnel is gone")

// PoolStats is a point-in-time snapshot of a pool's socket counts.
type PoolStats struct {
	Waiting  int
	Paired   int
	Capacity int
}

// Pool owns the per-tunnel agent listener and the FIFO of ready agent
// sockets. The client agent dials the pool's ephemeral port; accepted
// sockets park in the FIFO until a user connection takes one. At most
// capacity sockets (waiting plus paired) are live at any time; sockets
// accepted beyond that are closed on the spot.
type Pool struct {
	ln       net.Listener
	port     int
	capacity int
	log      zerolog.Logger

	waiting chan net.Conn

	mu     sync.Mutex
	live   int
	paired int
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewPool binds a listener on an ephemeral port and starts accepting
// agent sockets. capacity must be in [1, 255].
func NewPool(capacity int, log zerolog.Logger) (*Pool, error) {
	if capacity < 1 || capacity > 255 {
		return nil, fmt.Errorf("pool capacity %d out of range [1, 255]", capacity)
	}
	ln, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("bind agent listener: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	p := &Pool{
		ln:       ln,
		port:     port,
		capacity: capacity,
		log:      log.With().Str("component", "pool").Int("port", port).Logger(),
		waiting:  make(chan net.Conn, capacity),
		done:     make(chan struct{}),
	}
	go p.acceptLoop()
	return p, nil
}

// Port returns the ephemeral port the pool listens on.
func (p *Pool) Port() int {
	return p.port
}

func (p *Pool) acceptLoop() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			select {
			case <-p.done:
			default:
				p.log.Error().Err(err).Msg("agent accept failed, listener closed")
				p.Shutdown()
			}
			return
		}

		if err := SetKeepAlive(conn); err != nil {
			p.log.Debug().Err(err).Msg("keepalive setup failed")
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return
		}
		if p.live >= p.capacity {
			p.mu.Unlock()
			conn.Close()
			p.log.Debug().Msg("agent socket rejected, pool at capacity")
			continue
		}
		p.live++
		// The FIFO holds at most capacity entries, so enqueueing under
		// the lock never blocks; holding it orders enqueues against the
		// shutdown drain.
		p.waiting <- conn
		p.mu.Unlock()
	}
}

// Take removes the oldest waiting agent socket and hands it to the
// caller. It blocks until a socket is ready, ctx ends, or the tunnel is
// torn down (ErrTunnelGone). Sockets found already closed by their peer
// are discarded. The caller owns the socket and must call Release when
// the pairing finishes.
func (p *Pool) Take(ctx context.Context) (net.Conn, error) {
	for {
		select {
		case conn := <-p.waiting:
			live, ok := p.probe(conn)
			if !ok {
				conn.Close()
				p.mu.Lock()
				p.live--
				p.mu.Unlock()
				continue
			}
			p.mu.Lock()
			p.paired++
			p.mu.Unlock()
			return live, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, ErrTunnelGone
		}
	}
}

// probe checks cheaply whether conn's peer has already closed. It reads
// with a one-millisecond deadline: a timeout means the socket is idle and
// healthy; a successful read means data raced in, which is preserved by
// replaying it ahead of the stream. A deadline already in the past would
// fail the read before the socket is looked at, hiding EOF.
func (p *Pool) probe(conn net.Conn) (net.Conn, bool) {
	if err := conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return nil, false
	}
	var one [1]byte
	n, err := conn.Read(one[:])
	_ = conn.SetReadDeadline(time.Time{})

	if n == 1 {
		return WrapConn(conn, io.MultiReader(bytes.NewReader(one[:1]), conn)), true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return conn, true
	}
	return nil, false
}

// Release returns a paired socket's slot to the pool after its pump has
// finished. The socket itself is closed by the pump.
func (p *Pool) Release() {
	p.mu.Lock()
	p.paired--
	p.live--
	p.mu.Unlock()
}

// Stats returns a snapshot of the pool's socket counts.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Waiting:  len(p.waiting),
		Paired:   p.paired,
		Capacity: p.capacity,
	}
}

// Shutdown closes the listener, discards all waiting sockets and fails
// pending takers with ErrTunnelGone. Paired sockets are untouched;
// their pumps run until the connections drain.
func (p *Pool) Shutdown() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.ln.Close()
		p.mu.Lock()
		defer p.mu.Unlock()
		p.closed = true
		for {
			select {
			case conn := <-p.waiting:
				conn.Close()
				p.live--
			default:
				return
			}
		}
	})
}
