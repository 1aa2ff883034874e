package outbound

import (
	"context"
	"fmt"
	"net"
)

// Drop refuses every flow, used as an explicit "blackhole" jump target.
type Drop struct{ tag string }

// NewDrop builds a drop outbound.
func NewDrop(tag string) *Drop { return &Drop{tag: tag} }

func (d *Drop) Tag() string { return d.tag }

func (d *Drop) DialTCP(ctx context.Context, daddr string) (net.Conn, error) {
	return nil, fmt.Errorf("drop[%s]: connection refused by policy", d.tag)
}

func (d *Drop) BindUDP(ctx context.Context, saddr string, toClient chan<- Datagram) (chan<- Datagram, error) {
	return nil, fmt.Errorf("drop[%s]: udp refused by policy", d.tag)
}
