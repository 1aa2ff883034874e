package inbound

import (
	"context"
	"net"
	"time"
)

// connEndpoint adapts a net.Conn to flow.Endpoint for TCP pumps.
type connEndpoint struct {
	conn    net.Conn
	bufSize int
}

func newConnEndpoint(conn net.Conn) *connEndpoint {
	return &connEndpoint{conn: conn, bufSize: 32 * 1024}
}

func (c *connEndpoint) Recv(ctx context.Context) ([]byte, error) {
	// Unblock the pending Read when the pump cancels ctx.
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()
	buf := make([]byte, c.bufSize)
	n, err := c.conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}

func (c *connEndpoint) Send(ctx context.Context, data []byte) error {
	_, err := c.conn.Write(data)
	return err
}
