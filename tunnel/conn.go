package tunnel

import (
	"io"
	"net"
)

// wrappedConn serves reads from r while every other operation hits the
// underlying connection. Used to replay bytes that were consumed from
// the stream before ownership moved to a pump.
type wrappedConn struct {
	net.Conn
	r io.Reader
}

func (c *wrappedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// CloseWrite half-closes the underlying connection when it supports it,
// keeping the pump's EOF propagation intact through the wrapper.
func (c *wrappedConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// WrapConn returns conn with its read side replaced by r.
func WrapConn(conn net.Conn, r io.Reader) net.Conn {
	return &wrappedConn{Conn: conn, r: r}
}
