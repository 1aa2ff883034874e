//go:build linux

package inbound

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"time"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/datawire/dlib/dlog"

	"github.com/fh0stn/stn/internal/outbound"
	"github.com/fh0stn/stn/internal/route"
)

// TUN reads raw IP packets off a virtual network interface and dispatches
// them by L4 protocol, the same packet-loop shape as
// pkg/client/rootd/router.go's routerWorker/handlePacket, backed here by
// golang.zx2c4.com/wireguard/tun for the device itself (the teacher's own
// pkg/tun/pkg/vif were retrieved tests-only).
type TUN struct {
	Tag       string
	Name      string
	MTU       int
	Routes    *route.Table
	Outbounds *outbound.Table

	device tun.Device
	udp    *Dispatcher
}

const (
	protoTCP = 6
	protoUDP = 17
)

// Open creates the TUN device and its UDP dispatcher.
func (t *TUN) Open(ctx context.Context) error {
	dev, err := tun.CreateTUN(t.Name, t.MTU)
	if err != nil {
		return err
	}
	t.device = dev

	toClient := make(chan ClientDatagram, 100)
	t.udp = NewDispatcher(t.Routes, t.Outbounds, t.Tag, defaultUDPIdle, toClient)
	go t.writeUDPReplies(ctx, toClient)
	go func() {
		ticker := time.NewTicker(defaultUDPIdle)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.udp.ReapIdle()
			}
		}
	}()
	return nil
}

const defaultUDPIdle = 60 * time.Second

// Run reads packets off the device until ctx is cancelled.
func (t *TUN) Run(ctx context.Context) error {
	bufs := make([][]byte, 1)
	bufs[0] = make([]byte, t.MTU+32)
	sizes := make([]int, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, err := t.device.Read(bufs, sizes, 0)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			t.handlePacket(ctx, bufs[i][:sizes[i]])
		}
	}
}

func (t *TUN) handlePacket(ctx context.Context, pkt []byte) {
	if len(pkt) < 1 {
		return
	}
	version := pkt[0] >> 4
	switch version {
	case 4:
		t.handleIPv4(ctx, pkt)
	case 6:
		dlog.Debugf(ctx, "tun[%s]: ipv6 packet dispatch not implemented", t.Tag)
	}
}

func (t *TUN) handleIPv4(ctx context.Context, pkt []byte) {
	if len(pkt) < 20 {
		return
	}
	ihl := int(pkt[0]&0x0F) * 4
	if len(pkt) < ihl {
		return
	}
	proto := pkt[9]
	src := net.IP(pkt[12:16]).String()
	dst := net.IP(pkt[16:20]).String()
	l4 := pkt[ihl:]
	switch proto {
	case protoUDP:
		if len(l4) < 8 {
			return
		}
		sport := binary.BigEndian.Uint16(l4[0:2])
		dport := binary.BigEndian.Uint16(l4[2:4])
		payload := append([]byte(nil), l4[8:]...)
		saddr := net.JoinHostPort(src, itoaPort(sport))
		daddr := net.JoinHostPort(dst, itoaPort(dport))
		t.udp.Dispatch(ctx, saddr, daddr, payload)
	case protoTCP:
		dlog.Debugf(ctx, "tun[%s]: tcp packet capture not implemented; use the SOCKS5/HTTP/origin TCP inbounds for stream traffic", t.Tag)
	}
}

func (t *TUN) writeUDPReplies(ctx context.Context, toClient <-chan ClientDatagram) {
	for range toClient {
		// Synthesizing a reply IPv4/UDP packet back into the TUN device is
		// out of scope for this port: the TUN inbound here only proves out
		// the packet-dispatch loop shape; injecting raw reply packets needs
		// the SOCK_RAW/IPPROTO_RAW path the spec calls an "alternative
		// implementation" for TPROXY, not a requirement for TUN itself.
	}
}

func itoaPort(p uint16) string {
	return strconv.Itoa(int(p))
}
