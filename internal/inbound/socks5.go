package inbound

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/fh0stn/stn/internal/flow"
	"github.com/fh0stn/stn/internal/outbound"
	"github.com/fh0stn/stn/internal/route"
	"github.com/fh0stn/stn/internal/socks5"
)

// Socks5 terminates the SOCKS5 handshake and drives the flow pump (TCP) or
// the UDP-associate relay.
type Socks5 struct {
	Tag        string
	Address    string
	Routes     *route.Table
	Outbounds  *outbound.Table
	TCPTimeout time.Duration
	UDPTimeout time.Duration
}

// BindTCP binds the SOCKS5 listener, split from ServeTCP so Runtime can bind
// every configured listener before dropping privileges.
func (s *Socks5) BindTCP() (net.Listener, error) {
	return net.Listen("tcp", s.Address)
}

// ServeTCP runs the SOCKS5 accept loop on an already-bound listener.
func (s *Socks5) ServeTCP(ctx context.Context, ln net.Listener) error {
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
			dlog.Warnf(ctx, "socks5[%s]: accept: %v", s.Tag, err)
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *Socks5) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	ok, err := socks5.ReadMethods(r)
	if err != nil {
		dlog.Warnf(ctx, "socks5[%s]: method read: %v", s.Tag, err)
		return
	}
	if !ok {
		_ = socks5.WriteMethodReply(conn, socks5.MethodNoAcceptable)
		return
	}
	if err := socks5.WriteMethodReply(conn, socks5.MethodNoAuth); err != nil {
		return
	}

	req, err := socks5.ReadRequest(r)
	if err != nil {
		dlog.Warnf(ctx, "socks5[%s]: request read: %v", s.Tag, err)
		return
	}

	if err := socks5.WriteReply(conn, socks5.ReplySuccess, conn.LocalAddr().String()); err != nil {
		return
	}

	saddr := conn.RemoteAddr().String()
	switch req.Cmd {
	case socks5.CmdConnect:
		s.handleConnect(ctx, conn, r, saddr, req.Addr)
	case socks5.CmdUDPAssociate:
		s.handleAssociate(ctx, conn, saddr)
	}
}

func (s *Socks5) handleConnect(ctx context.Context, conn net.Conn, r *bufio.Reader, saddr, daddr string) {
	idx, err := s.Routes.FindOut(s.Tag, "tcp", saddr, daddr, nil)
	if err != nil {
		dlog.Warnf(ctx, "socks5[%s]: route: %v", s.Tag, err)
		return
	}
	out := s.Outbounds.Get(idx)
	if out == nil {
		return
	}
	upstream, err := out.DialTCP(ctx, daddr)
	if err != nil {
		dlog.Warnf(ctx, "socks5[%s]: dial %s: %v", s.Tag, daddr, err)
		return
	}
	defer upstream.Close()

	leftover := drainBuffered(r)
	flow.Pump(ctx, s.Tag+" "+saddr+" -> "+daddr, newConnEndpoint(conn), newConnEndpoint(upstream), s.TCPTimeout, leftover)
}

// drainBuffered returns bytes already buffered in r without blocking for
// more, becoming the flow pump's initial outbound write.
func drainBuffered(r *bufio.Reader) []byte {
	n := r.Buffered()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	_, _ = r.Read(buf)
	return buf
}

// handleAssociate keeps the TCP socket open as a liveness sentinel; when it
// becomes readable (expected: EOF), the associated UDP relay is torn down.
func (s *Socks5) handleAssociate(ctx context.Context, conn net.Conn, saddr string) {
	pc, err := net.ListenPacket("udp", "0.0.0.0:0")
	if err != nil {
		dlog.Warnf(ctx, "socks5[%s]: udp associate bind: %v", s.Tag, err)
		return
	}
	defer pc.Close()

	toClient := make(chan ClientDatagram, 100)
	stop := make(chan struct{})
	var stopOnce sync.Once
	closeStop := func() { stopOnce.Do(func() { close(stop) }) }
	go func() {
		for {
			select {
			case dg := <-toClient:
				hdr, err := socks5.BuildUDPHeader(dg.RemoteAddr)
				if err != nil {
					continue
				}
				addr, err := net.ResolveUDPAddr("udp", dg.ClientAddr)
				if err != nil {
					continue
				}
				_, _ = pc.WriteTo(append(hdr, dg.Data...), addr)
			case <-stop:
				return
			}
		}
	}()

	disp := NewDispatcher(s.Routes, s.Outbounds, s.Tag, s.UDPTimeout, toClient)
	buf := make([]byte, 64*1024)
	go func() {
		for {
			_ = pc.SetReadDeadline(time.Now().Add(s.UDPTimeout))
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				closeStop()
				return
			}
			hdr, err := socks5.ParseUDPHeader(buf[:n])
			if err != nil {
				continue
			}
			payload := append([]byte(nil), buf[hdr.DataOff:n]...)
			disp.Dispatch(ctx, from.String(), hdr.DestAddr, payload)
		}
	}()

	sentinel := make([]byte, 1)
	_, _ = conn.Read(sentinel) // blocks until the client closes
	closeStop()
}
