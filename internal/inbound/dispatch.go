// Package inbound implements the five inbound terminators (origin, SOCKS5,
// HTTP, TPROXY, TUN) and the shared UDP dispatch table described in
// SPEC_FULL.md §4.3.
//
// Grounded on pkg/connpool.Pool's map[ConnID]Handler get-or-create dispatch
// pattern, generalized from a single dialer-per-ConnID to a per-source
// fullcone map whose value is keyed by outbound-table index rather than
// outbound pointer identity (SPEC_FULL.md §9).
package inbound

import (
	"context"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/fh0stn/stn/internal/outbound"
	"github.com/fh0stn/stn/internal/route"
)

// Session is one full-cone UDP conversation: a single source address pinned
// to one outbound's ephemeral socket, shared across every route decision
// that resolves to the same outbound for that source.
type Session struct {
	outboundIdx int
	toOutbound  chan<- outbound.Datagram
	lastActive  time.Time
}

// ClientDatagram is one datagram destined back to an original client.
// ClientAddr is always where the inbound must write the bytes on the wire;
// RemoteAddr is who actually produced them (the upstream responder), needed
// by protocol-aware inbounds (SOCKS5's UDP-associate header) that must tell
// the client which remote address the payload came from.
type ClientDatagram struct {
	ClientAddr string
	RemoteAddr string
	Data       []byte
}

// Dispatcher implements the per-inbound UDP dispatch table: on each
// datagram, it resolves an outbound via the route engine, lazily binds one
// full-cone session per (source, outbound) pair, and forwards the datagram
// with a non-blocking try-send.
type Dispatcher struct {
	Routes    *route.Table
	Outbounds *outbound.Table
	Tag       string
	IdleTTL   time.Duration

	mu       sync.Mutex
	sessions map[sessionKey]*Session
	toClient chan<- ClientDatagram
}

// sessionKey identifies one full-cone session: a source address paired with
// the outbound-table index it was routed to.
type sessionKey struct {
	saddr       string
	outboundIdx int
}

// NewDispatcher builds a UDP dispatcher for one inbound listener. toClient
// receives every datagram destined back to the original client, regardless
// of which outbound produced it.
func NewDispatcher(routes *route.Table, outbounds *outbound.Table, tag string, idleTTL time.Duration, toClient chan<- ClientDatagram) *Dispatcher {
	return &Dispatcher{
		Routes: routes, Outbounds: outbounds, Tag: tag, IdleTTL: idleTTL,
		sessions: map[sessionKey]*Session{}, toClient: toClient,
	}
}

// Dispatch routes one inbound datagram from saddr to daddr, non-blockingly
// forwarding it to the resolved outbound's session.
func (d *Dispatcher) Dispatch(ctx context.Context, saddr, daddr string, payload []byte) {
	idx, err := d.Routes.FindOut(d.Tag, "udp", saddr, daddr, payload)
	if err != nil {
		dlog.Warnf(ctx, "%s: route error for %s: %v", d.Tag, saddr, err)
		return
	}

	// Per-packet route decisions may pick a different outbound than a prior
	// packet from the same source; each (source, outbound) pair gets its own
	// full-cone session.
	key := sessionKey{saddr: saddr, outboundIdx: idx}
	d.mu.Lock()
	sess, ok := d.sessions[key]
	d.mu.Unlock()

	if !ok {
		out := d.Outbounds.Get(idx)
		if out == nil {
			dlog.Warnf(ctx, "%s: no outbound at index %d", d.Tag, idx)
			return
		}
		// Each outbound's BindUDP only knows the bytes and the address it
		// received them from (the upstream responder); it does not know
		// which original client this full-cone session belongs to. A
		// private fan-in channel tags every reply with saddr before
		// forwarding it to the inbound's shared toClient channel.
		fromOutbound := make(chan outbound.Datagram, 100)
		tx, err := out.BindUDP(ctx, saddr, fromOutbound)
		if err != nil {
			dlog.Warnf(ctx, "%s: udp_bind failed: %v", d.Tag, err)
			return
		}
		go func(clientAddr string) {
			for dg := range fromOutbound {
				select {
				case d.toClient <- ClientDatagram{ClientAddr: clientAddr, RemoteAddr: dg.Addr, Data: dg.Data}:
				default:
				}
			}
		}(saddr)
		sess = &Session{outboundIdx: idx, toOutbound: tx}
		d.mu.Lock()
		d.sessions[key] = sess
		d.mu.Unlock()
	}

	d.mu.Lock()
	sess.lastActive = time.Now()
	d.mu.Unlock()

	select {
	case sess.toOutbound <- outbound.Datagram{Addr: daddr, Data: payload}:
	default:
		dlog.Debugf(ctx, "%s: dropped datagram from %s, outbound channel full", d.Tag, saddr)
	}
}

// ReapIdle evicts sessions inactive for longer than IdleTTL. Intended to run
// on a periodic ticker owned by the inbound listener's lifecycle, tied to
// that listener's session per the spec's "cleared on session timeout" rule.
func (d *Dispatcher) ReapIdle() {
	cutoff := time.Now().Add(-d.IdleTTL)
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, s := range d.sessions {
		if s.lastActive.Before(cutoff) {
			delete(d.sessions, k)
		}
	}
}
