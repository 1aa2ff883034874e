package outbound

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/fh0stn/stn/internal/dnscache"
)

// DNS presents DNS-over-UDP to clients, backed by the resolver cache & fan-
// out server described in internal/dnscache. TCP is unsupported.
type DNS struct {
	tag    string
	server *dnscache.Server
}

// NewDNS builds a DNS outbound around a pre-built dnscache.Server.
func NewDNS(tag string, server *dnscache.Server) *DNS {
	return &DNS{tag: tag, server: server}
}

func (d *DNS) Tag() string { return d.tag }

func (d *DNS) DialTCP(ctx context.Context, daddr string) (net.Conn, error) {
	return nil, fmt.Errorf("dns-out[%s]: TCP unsupported", d.tag)
}

// BindUDP resolves each client query and reports the answer tagged with the
// upstream DNS server address that actually produced it (not saddr, which is
// the client's own address and belongs in ClientDatagram.ClientAddr further
// up the stack, per the Outbound contract's Addr = "who produced this reply"
// semantics).
func (d *DNS) BindUDP(ctx context.Context, saddr string, toClient chan<- Datagram) (chan<- Datagram, error) {
	fromClient := make(chan Datagram, 100)
	go func() {
		for dg := range fromClient {
			reply, upstream, err := d.server.Resolve(ctx, dg.Data)
			if err != nil {
				continue
			}
			select {
			case toClient <- Datagram{Addr: upstream, Data: reply}:
			case <-time.After(time.Second):
			}
		}
	}()
	return fromClient, nil
}
