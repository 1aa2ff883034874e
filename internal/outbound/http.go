package outbound

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/textproto"
)

// HTTP is the client side of HTTP CONNECT to an upstream proxy. UDP is
// unsupported per the spec.
type HTTP struct {
	tag      string
	dial     Upstream
	upstream string
}

// NewHTTP builds an HTTP-CONNECT-upstream outbound.
func NewHTTP(tag, upstreamAddr string, dial Upstream) *HTTP {
	return &HTTP{tag: tag, dial: dial, upstream: upstreamAddr}
}

func (h *HTTP) Tag() string { return h.tag }

func (h *HTTP) DialTCP(ctx context.Context, daddr string) (net.Conn, error) {
	conn, err := h.dial(ctx, "tcp", h.upstream)
	if err != nil {
		return nil, fmt.Errorf("http-out[%s]: dial upstream: %w", h.tag, err)
	}
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nProxy-Connection: Keep-Alive\r\n\r\n", daddr)
	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, err
	}
	br := bufio.NewReader(conn)
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !okStatusLine(line) {
		conn.Close()
		return nil, fmt.Errorf("http-out[%s]: CONNECT rejected: %q", h.tag, line)
	}
	if _, err := tp.ReadMIMEHeader(); err != nil {
		conn.Close()
		return nil, err
	}
	// Anything already buffered past the blank-line terminator is data the
	// upstream pipelined right after its CONNECT reply; withLeftover replays
	// it on the next Read instead of dropping it.
	return withLeftover(conn, drainBuffered(br)), nil
}

func okStatusLine(line string) bool {
	return len(line) >= 12 && line[9:12] == "200"
}

func (h *HTTP) BindUDP(ctx context.Context, saddr string, toClient chan<- Datagram) (chan<- Datagram, error) {
	return nil, fmt.Errorf("http-out[%s]: UDP unsupported", h.tag)
}
