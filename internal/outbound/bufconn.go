package outbound

import (
	"bufio"
	"net"
)

// drainBuffered returns bytes already buffered in r without blocking for
// more, mirroring internal/inbound/socks5.go's helper of the same name. Used
// to recover any upstream bytes a *bufio.Reader swallowed past a handshake
// reply boundary.
func drainBuffered(r *bufio.Reader) []byte {
	n := r.Buffered()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	_, _ = r.Read(buf)
	return buf
}

// leftoverConn prepends bytes already consumed into a *bufio.Reader's buffer
// to the next Read, so a caller holding only the net.Conn doesn't lose data
// an upstream pipelined right after a CONNECT/ASSOCIATE reply.
type leftoverConn struct {
	net.Conn
	leftover []byte
}

// withLeftover wraps conn so leftover is replayed before further reads, or
// returns conn unchanged when there is nothing buffered.
func withLeftover(conn net.Conn, leftover []byte) net.Conn {
	if len(leftover) == 0 {
		return conn
	}
	return &leftoverConn{Conn: conn, leftover: leftover}
}

func (c *leftoverConn) Read(p []byte) (int, error) {
	if len(c.leftover) > 0 {
		n := copy(p, c.leftover)
		c.leftover = c.leftover[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}
