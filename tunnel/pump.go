package tunnel

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// bufferSize is the size of each pooled copy buffer (32KB).
	bufferSize = 32 * 1024

	keepAliveIdle     = 30 * time.Second
	keepAliveInterval = 10 * time.Second
	keepAliveCount    = 5
)

// bufferPool is a pool of reusable byte slices for pump I/O.
var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, bufferSize)
		return &buf
	},
}

// SetKeepAlive applies the wide-area keepalive settings to a TCP
// connection so dead peers are detected without traffic.
func SetKeepAlive(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	return tc.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepAliveIdle,
		Interval: keepAliveInterval,
		Count:    keepAliveCount,
	})
}

// closeWriter is the half-close side of a TCP connection.
type closeWriter interface {
	CloseWrite() error
}

// Pump copies bytes bidirectionally between a and b until both
// directions have finished. When one direction sees EOF the peer's
// write side is half-closed so the other direction can drain. Both
// connections are closed before Pump returns. The bytes are opaque;
// nothing is parsed or retained.
func Pump(a, b net.Conn) error {
	var wg sync.WaitGroup
	errs := make([]error, 2)

	copyHalf := func(dst, src net.Conn, slot int) {
		defer wg.Done()
		buf := bufferPool.Get().(*[]byte)
		defer bufferPool.Put(buf)

		_, err := io.CopyBuffer(dst, src, *buf)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			errs[slot] = err
			// A hard error leaves the peer direction stuck; tear both down.
			dst.Close()
			src.Close()
			return
		}
		if cw, ok := dst.(closeWriter); ok {
			_ = cw.CloseWrite()
		}
	}

	wg.Add(2)
	go copyHalf(b, a, 0)
	copyHalf(a, b, 1)
	wg.Wait()

	a.Close()
	b.Close()

	return errors.Join(errs[0], errs[1])
}
