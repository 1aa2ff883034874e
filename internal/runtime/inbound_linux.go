//go:build linux

package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/fh0stn/stn/internal/config"
	"github.com/fh0stn/stn/internal/inbound"
)

// bindPlatformInbound binds the Linux-only TPROXY and TUN inbounds, which
// depend on golang.org/x/sys/unix and golang.zx2c4.com/wireguard/tun and so
// only build on Linux (internal/inbound/tproxy_linux.go,
// internal/inbound/tun_linux.go). Binding (and, for TUN, device creation)
// happens here so Runtime.Run can drop privileges only after every listener
// is ready, including these.
func bindPlatformInbound(ctx context.Context, rt *Runtime, in config.InEntry) ([]boundServe, error) {
	switch in.Protocol {
	case "tproxy":
		p := &inbound.TProxy{
			Tag: in.Tag, Address: in.Address, Routes: rt.routes, Outbounds: rt.outbounds,
			TCPTimeout: durationOr(in.TCPTimeoutSec, 300*time.Second),
			UDPTimeout: durationOr(in.UDPTimeoutSec, 60*time.Second),
		}
		ln, err := p.BindTCP(ctx)
		if err != nil {
			return nil, fmt.Errorf("runtime: %s: bind tcp: %w", in.Tag, err)
		}
		udpConn, err := p.BindUDP(ctx)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("runtime: %s: bind udp: %w", in.Tag, err)
		}
		return []boundServe{
			{in.Tag + "-tcp", func(ctx context.Context) error { return p.ServeTCP(ctx, ln) }},
			{in.Tag + "-udp", func(ctx context.Context) error { return p.ServeUDP(ctx, udpConn) }},
		}, nil
	case "tun":
		t := &inbound.TUN{
			Tag: in.Tag, Name: in.Address, MTU: defaultInt(in.MTU, 1500),
			Routes: rt.routes, Outbounds: rt.outbounds,
		}
		if err := t.Open(ctx); err != nil {
			return nil, fmt.Errorf("runtime: %s: open: %w", in.Tag, err)
		}
		return []boundServe{{in.Tag, func(ctx context.Context) error { return t.Run(ctx) }}}, nil
	}
	return nil, fmt.Errorf("runtime: unknown inbound protocol %q", in.Protocol)
}
