package inbound

import (
	"context"
	"net"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/fh0stn/stn/internal/flow"
	"github.com/fh0stn/stn/internal/outbound"
	"github.com/fh0stn/stn/internal/route"
)

// Origin is the plain pass-through inbound: daddr = saddr (the listener
// itself is the destination), used behind TPROXY or for loopback testing.
// Grounded on internal/pkg/proxy/proxy.go's NewProxy/Start accept-loop shape.
type Origin struct {
	Tag         string
	Address     string
	Routes      *route.Table
	Outbounds   *outbound.Table
	TCPTimeout  time.Duration
	UDPTimeout  time.Duration
}

// BindTCP binds the TCP listener. Separated from ServeTCP so Runtime can
// complete every listener bind (including privileged low ports) before
// dropping privileges, and only then start accept loops.
func (o *Origin) BindTCP() (net.Listener, error) {
	return net.Listen("tcp", o.Address)
}

// ServeTCP runs the TCP accept loop on an already-bound listener until ctx
// is cancelled.
func (o *Origin) ServeTCP(ctx context.Context, ln net.Listener) error {
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
			dlog.Warnf(ctx, "origin[%s]: accept: %v", o.Tag, err)
			continue
		}
		go o.handleTCP(ctx, conn)
	}
}

func (o *Origin) handleTCP(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	saddr := conn.RemoteAddr().String()
	daddr := conn.LocalAddr().String() // origin mode: destination == listener address

	idx, err := o.Routes.FindOut(o.Tag, "tcp", saddr, daddr, nil)
	if err != nil {
		dlog.Warnf(ctx, "origin[%s]: route error: %v", o.Tag, err)
		return
	}
	out := o.Outbounds.Get(idx)
	if out == nil {
		dlog.Warnf(ctx, "origin[%s]: no outbound at %d", o.Tag, idx)
		return
	}
	upstream, err := out.DialTCP(ctx, daddr)
	if err != nil {
		dlog.Warnf(ctx, "origin[%s]: dial %s: %v", o.Tag, daddr, err)
		return
	}
	defer upstream.Close()

	flow.Pump(ctx, o.Tag+" "+saddr+" -> "+daddr, newConnEndpoint(conn), newConnEndpoint(upstream), o.TCPTimeout, nil)
}

// BindUDP binds the UDP packet conn, split out for the same reason as
// BindTCP.
func (o *Origin) BindUDP() (net.PacketConn, error) {
	return net.ListenPacket("udp", o.Address)
}

// ServeUDP runs the UDP origin loop on an already-bound packet conn: each
// datagram is dispatched by source address through the shared Dispatcher,
// yielding full-cone semantics.
func (o *Origin) ServeUDP(ctx context.Context, pc net.PacketConn) error {
	go func() {
		<-ctx.Done()
		pc.Close()
	}()

	toClient := make(chan ClientDatagram, 100)
	go func() {
		for dg := range toClient {
			hp, err := net.ResolveUDPAddr("udp", dg.ClientAddr)
			if err != nil {
				continue
			}
			_, _ = pc.WriteTo(dg.Data, hp)
		}
	}()

	disp := NewDispatcher(o.Routes, o.Outbounds, o.Tag, o.UDPTimeout, toClient)
	ticker := time.NewTicker(o.UDPTimeout)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			disp.ReapIdle()
		}
	}()

	buf := make([]byte, 64*1024)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		daddr := pc.LocalAddr().String()
		payload := append([]byte(nil), buf[:n]...)
		disp.Dispatch(ctx, from.String(), daddr, payload)
	}
}
