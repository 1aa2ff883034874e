package inbound

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/fh0stn/stn/internal/flow"
	"github.com/fh0stn/stn/internal/httpproxy"
	"github.com/fh0stn/stn/internal/outbound"
	"github.com/fh0stn/stn/internal/route"
)

// HTTP terminates the HTTP CONNECT / absolute-URI proxy surface and drives
// the flow pump. Grounded on internal/pkg/proxy/proxy.go's CONNECT-then-pipe
// shape, generalized to also proxy absolute-URI requests.
type HTTP struct {
	Tag        string
	Address    string
	Routes     *route.Table
	Outbounds  *outbound.Table
	TCPTimeout time.Duration
}

// BindTCP binds the HTTP proxy listener, split from ServeTCP so Runtime can
// bind every configured listener before dropping privileges.
func (h *HTTP) BindTCP() (net.Listener, error) {
	return net.Listen("tcp", h.Address)
}

// ServeTCP runs the HTTP proxy accept loop on an already-bound listener.
func (h *HTTP) ServeTCP(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			dlog.Warnf(ctx, "http[%s]: accept: %v", h.Tag, err)
			continue
		}
		go h.handle(ctx, conn)
	}
}

func (h *HTTP) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	saddr := conn.RemoteAddr().String()

	req, err := httpproxy.Read(r)
	if err != nil {
		dlog.Warnf(ctx, "http[%s]: parse: %v", h.Tag, err)
		return
	}

	idx, err := h.Routes.FindOut(h.Tag, "tcp", saddr, req.Host, nil)
	if err != nil {
		dlog.Warnf(ctx, "http[%s]: route: %v", h.Tag, err)
		return
	}
	out := h.Outbounds.Get(idx)
	if out == nil {
		return
	}
	upstream, err := out.DialTCP(ctx, req.Host)
	if err != nil {
		dlog.Warnf(ctx, "http[%s]: dial %s: %v", h.Tag, req.Host, err)
		return
	}
	defer upstream.Close()

	if req.IsConnect {
		if _, err := conn.Write(httpproxy.ConnectSuccessReply()); err != nil {
			return
		}
		leftover := drainBuffered(r)
		flow.Pump(ctx, h.Tag+" "+saddr+" -> "+req.Host, newConnEndpoint(conn), newConnEndpoint(upstream), h.TCPTimeout, leftover)
		return
	}

	// Absolute-URI proxying: forward the rewritten request (plus any body
	// bytes already buffered while reading its headers), then stream server
	// bytes back unmodified for the remainder of the connection.
	initial := append(req.Raw, drainBuffered(r)...)
	flow.Pump(ctx, h.Tag+" "+saddr+" -> "+req.Host, newConnEndpoint(conn), newConnEndpoint(upstream), h.TCPTimeout, initial)
}
