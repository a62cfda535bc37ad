package proxy

import "net"

// WithLeftover returns conn unchanged when leftover is empty, otherwise a conn
// that returns leftover from Read before reading from conn.
func WithLeftover(conn net.Conn, leftover []byte) net.Conn {
	if len(leftover) == 0 {
		return conn
	}
	return &peekedConn{Conn: conn, peeked: leftover}
}

type peekedConn struct {
	net.Conn
	peeked []byte
}

func (c *peekedConn) Read(b []byte) (int, error) {
	if len(c.peeked) > 0 {
		n := copy(b, c.peeked)
		c.peeked = c.peeked[n:]
		if len(c.peeked) == 0 {
			c.peeked = nil
		}
		return n, nil
	}
	return c.Conn.Read(b)
}
