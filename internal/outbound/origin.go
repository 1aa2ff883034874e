package outbound

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/fh0stn/stn/internal/addrutil"
	"github.com/fh0stn/stn/internal/dnscache"
)

// Origin dials the destination directly, resolving a hostname daddr through
// the shared Resolver first when one is configured (spec.md §6's optional
// top-level "resolve" document; grounded on
// original_source/src/origin/out_tcp.rs:20 and out_udp.rs:28, which call
// crate::resolve::resolve(&daddr) ahead of every dial). Dial behavior itself
// is grounded on pkg/connpool/dialer.go's open (net.Dialer with timeout,
// keepalive/nodelay applied post-dial).
type Origin struct {
	tag         string
	dialTimeout time.Duration
	keepalive   time.Duration
	tcpNoDelay  bool
	udpIdle     time.Duration
	resolver    *dnscache.Resolver
}

// NewOrigin builds a direct-connect outbound. resolver may be nil, meaning
// every daddr this outbound sees must already be an address literal.
func NewOrigin(tag string, dialTimeout, keepalive, udpIdle time.Duration, tcpNoDelay bool, resolver *dnscache.Resolver) *Origin {
	return &Origin{tag: tag, dialTimeout: dialTimeout, keepalive: keepalive, tcpNoDelay: tcpNoDelay, udpIdle: udpIdle, resolver: resolver}
}

func (o *Origin) Tag() string { return o.tag }

// resolve turns a hostname daddr into an address literal via the configured
// Resolver, leaving an already-literal destination untouched.
func (o *Origin) resolve(ctx context.Context, daddr string) (string, error) {
	hp, err := addrutil.Parse(daddr)
	if err != nil {
		return "", err
	}
	if hp.IsIP() || o.resolver == nil {
		return daddr, nil
	}
	addr, err := o.resolver.Resolve(ctx, hp.Host)
	if err != nil {
		return "", fmt.Errorf("origin[%s]: resolve %s: %w", o.tag, hp.Host, err)
	}
	return addrutil.Join(addr, hp.Port), nil
}

func (o *Origin) DialTCP(ctx context.Context, daddr string) (net.Conn, error) {
	daddr, err := o.resolve(ctx, daddr)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: o.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", daddr)
	if err != nil {
		return nil, fmt.Errorf("origin[%s]: dial %s: %w", o.tag, daddr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(o.tcpNoDelay)
		if o.keepalive > 0 {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(o.keepalive)
		}
	}
	return conn, nil
}

func (o *Origin) BindUDP(ctx context.Context, saddr string, toClient chan<- Datagram) (chan<- Datagram, error) {
	pc, err := net.ListenPacket("udp", "[::]:0")
	if err != nil {
		return nil, fmt.Errorf("origin[%s]: udp bind: %w", o.tag, err)
	}
	fromClient := make(chan Datagram, 100)

	idle := o.udpIdle
	if idle <= 0 {
		idle = 60 * time.Second
	}

	go func() {
		defer pc.Close()
		buf := make([]byte, 64*1024)
		for {
			_ = pc.SetReadDeadline(time.Now().Add(idle))
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			select {
			case toClient <- Datagram{Addr: from.String(), Data: append([]byte(nil), buf[:n]...)}:
			default:
			}
		}
	}()
	go func() {
		for dg := range fromClient {
			daddr, err := o.resolve(ctx, dg.Addr)
			if err != nil {
				continue
			}
			hp, err := addrutil.Parse(daddr)
			if err != nil {
				continue
			}
			_, _ = pc.WriteTo(dg.Data, &net.UDPAddr{IP: net.IP(hp.IP.AsSlice()), Port: int(hp.Port)})
		}
	}()
	return fromClient, nil
}
