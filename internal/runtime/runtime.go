// Package runtime wires a config.Document into live outbound/route tables
// and inbound listeners, owned by a single Runtime value rather than a
// process-wide singleton (SPEC_FULL.md §9, "Module-global state").
//
// Grounded on pkg/client/rootd/dns/server.go's Run method for the
// dgroup.NewGroup-supervised background task style.
package runtime

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"

	"github.com/fh0stn/stn/internal/config"
	"github.com/fh0stn/stn/internal/dnscache"
	"github.com/fh0stn/stn/internal/inbound"
	"github.com/fh0stn/stn/internal/outbound"
	"github.com/fh0stn/stn/internal/route"
	"github.com/fh0stn/stn/internal/routeaddr"
)

// Runtime owns every resolver/route/outbound table and every background
// task for one process lifetime. No background task should outlive it.
type Runtime struct {
	doc       *config.Document
	outbounds *outbound.Table
	routes    *route.Table
	resolver  *dnscache.Resolver
	tagIndex  map[string]int
}

// boundServe is one inbound listener that has already completed its (socket,
// bind) step; serve runs its accept/read loop and blocks until ctx is
// cancelled or it fails.
type boundServe struct {
	tag   string
	serve func(ctx context.Context) error
}

// Build compiles doc into a Runtime, detecting outbound configuration
// cycles (SPEC_FULL.md §9, "Cyclic references") before any dial happens.
func Build(doc *config.Document) (*Runtime, error) {
	rt := &Runtime{doc: doc, tagIndex: map[string]int{}}

	if doc.Resolve != nil {
		rt.resolver = dnscache.NewResolver(doc.Resolve.Server, doc.Resolve.IPv6First, doc.Resolve.MinTTL, doc.Resolve.MaxTTL)
	}

	if err := rt.checkCycles(); err != nil {
		return nil, err
	}
	if err := rt.buildOutbounds(); err != nil {
		return nil, err
	}
	if err := rt.buildRoutes(); err != nil {
		return nil, err
	}
	return rt, nil
}

// checkCycles rejects a SOCKS5/HTTP outbound whose upstream "server" tag
// transitively refers back to itself.
func (rt *Runtime) checkCycles() error {
	byTag := map[string]config.OutEntry{}
	for _, o := range rt.doc.Out {
		byTag[o.Tag] = o
	}
	var visit func(tag string, seen map[string]bool) error
	visit = func(tag string, seen map[string]bool) error {
		if seen[tag] {
			return fmt.Errorf("runtime: outbound cycle detected at %q", tag)
		}
		seen[tag] = true
		o, ok := byTag[tag]
		if !ok {
			return nil
		}
		if (o.Protocol == "socks5" || o.Protocol == "http") && len(o.Server) == 1 {
			if _, isOutboundTag := byTag[o.Server[0]]; isOutboundTag {
				return visit(o.Server[0], seen)
			}
		}
		return nil
	}
	for _, o := range rt.doc.Out {
		if err := visit(o.Tag, map[string]bool{}); err != nil {
			return err
		}
	}
	return nil
}

func (rt *Runtime) buildOutbounds() error {
	tbl := &outbound.Table{}
	for _, o := range rt.doc.Out {
		idx := len(tbl.Outbounds)
		rt.tagIndex[o.Tag] = idx
		switch o.Protocol {
		case "origin":
			keepalive := time.Duration(o.TCPKeepaliveSec * float64(time.Second))
			tbl.Outbounds = append(tbl.Outbounds, outbound.NewOrigin(
				o.Tag,
				durationOr(o.TCPTimeoutSec, 10*time.Second),
				keepalive,
				durationOr(o.UDPTimeoutSec, 60*time.Second),
				boolOr(o.TCPNoDelay, true),
				rt.resolver,
			))
		case "drop":
			tbl.Outbounds = append(tbl.Outbounds, outbound.NewDrop(o.Tag))
		case "dns":
			cache, err := dnscache.New(defaultInt(o.CacheSize, 4096), o.MinTTL, o.MaxTTL)
			if err != nil {
				return err
			}
			srv := dnscache.NewServer(o.Server, cache)
			tbl.Outbounds = append(tbl.Outbounds, outbound.NewDNS(o.Tag, srv))
		case "socks5":
			if len(o.Server) != 1 {
				return fmt.Errorf("runtime: socks5 outbound %q needs exactly one server", o.Tag)
			}
			tbl.Outbounds = append(tbl.Outbounds, outbound.NewSocks5(o.Tag, o.Server[0], rt.recursiveDialer(tbl)))
		case "http":
			if len(o.Server) != 1 {
				return fmt.Errorf("runtime: http outbound %q needs exactly one server", o.Tag)
			}
			tbl.Outbounds = append(tbl.Outbounds, outbound.NewHTTP(o.Tag, o.Server[0], rt.recursiveDialer(tbl)))
		default:
			return fmt.Errorf("runtime: unknown outbound protocol %q", o.Protocol)
		}
	}
	rt.outbounds = tbl
	return nil
}

// recursiveDialer lets a SOCKS5/HTTP outbound open its upstream TCP
// connection through the same outbound table, recursively, per SPEC_FULL.md
// §4.8. Cycles were already rejected in checkCycles.
func (rt *Runtime) recursiveDialer(tbl *outbound.Table) outbound.Upstream {
	return func(ctx context.Context, network, daddr string) (net.Conn, error) {
		idx, err := rt.routes.FindOut("", network, "0.0.0.0:0", daddr, nil)
		if err != nil {
			return nil, err
		}
		out := tbl.Get(idx)
		if out == nil {
			return nil, fmt.Errorf("runtime: no outbound for recursive dial to %s", daddr)
		}
		return out.DialTCP(ctx, daddr)
	}
}

func (rt *Runtime) buildRoutes() error {
	tbl := &route.Table{}
	for _, r := range rt.doc.Route {
		jump, ok := rt.tagIndex[r.Jump]
		if !ok {
			return fmt.Errorf("runtime: route jump %q has no matching outbound", r.Jump)
		}
		rule := route.Rule{Tag: r.Tag, Network: r.Network, SPort: r.SPort, DPort: r.DPort, Jump: jump}
		var err error
		if rule.SAddr, err = compilePatterns(r.SAddr); err != nil {
			return err
		}
		if rule.DAddr, err = compilePatterns(r.DAddr); err != nil {
			return err
		}
		if rule.DNSDomain, err = compilePatterns(r.DNSDomain); err != nil {
			return err
		}
		tbl.Rules = append(tbl.Rules, rule)
	}
	tbl.Default = 0
	rt.routes = tbl
	return nil
}

// compilePatterns parses "kind value" lines (the spec's "full X"/"cidr X/N"
// tagged-prefix pattern syntax) into a routeaddr.Matcher.
func compilePatterns(lines []string) (*routeaddr.Matcher, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	var patterns []routeaddr.Pattern
	for _, line := range lines {
		kind, value, ok := splitKind(line)
		if !ok {
			return nil, fmt.Errorf("runtime: malformed pattern line %q", line)
		}
		patterns = append(patterns, routeaddr.Pattern{Kind: kind, Value: value})
	}
	return routeaddr.Compile(patterns)
}

func splitKind(line string) (kind, value string, ok bool) {
	for i, r := range line {
		if r == ' ' {
			return line[:i], line[i+1:], true
		}
	}
	return "", "", false
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// bindInbound completes every inbound listener's (socket, bind) step for one
// config.InEntry, returning the (not yet started) accept/serve loops.
func (rt *Runtime) bindInbound(ctx context.Context, in config.InEntry) ([]boundServe, error) {
	switch in.Protocol {
	case "origin":
		o := &inbound.Origin{
			Tag: in.Tag, Address: in.Address, Routes: rt.routes, Outbounds: rt.outbounds,
			TCPTimeout: durationOr(in.TCPTimeoutSec, 300*time.Second),
			UDPTimeout: durationOr(in.UDPTimeoutSec, 60*time.Second),
		}
		ln, err := o.BindTCP()
		if err != nil {
			return nil, fmt.Errorf("runtime: %s: bind tcp: %w", in.Tag, err)
		}
		pc, err := o.BindUDP()
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("runtime: %s: bind udp: %w", in.Tag, err)
		}
		return []boundServe{
			{in.Tag + "-tcp", func(ctx context.Context) error { return o.ServeTCP(ctx, ln) }},
			{in.Tag + "-udp", func(ctx context.Context) error { return o.ServeUDP(ctx, pc) }},
		}, nil
	case "socks5":
		s := &inbound.Socks5{
			Tag: in.Tag, Address: in.Address, Routes: rt.routes, Outbounds: rt.outbounds,
			TCPTimeout: durationOr(in.TCPTimeoutSec, 300*time.Second),
			UDPTimeout: durationOr(in.UDPTimeoutSec, 60*time.Second),
		}
		ln, err := s.BindTCP()
		if err != nil {
			return nil, fmt.Errorf("runtime: %s: bind tcp: %w", in.Tag, err)
		}
		return []boundServe{{in.Tag, func(ctx context.Context) error { return s.ServeTCP(ctx, ln) }}}, nil
	case "http":
		h := &inbound.HTTP{
			Tag: in.Tag, Address: in.Address, Routes: rt.routes, Outbounds: rt.outbounds,
			TCPTimeout: durationOr(in.TCPTimeoutSec, 300*time.Second),
		}
		ln, err := h.BindTCP()
		if err != nil {
			return nil, fmt.Errorf("runtime: %s: bind tcp: %w", in.Tag, err)
		}
		return []boundServe{{in.Tag, func(ctx context.Context) error { return h.ServeTCP(ctx, ln) }}}, nil
	case "tproxy", "tun":
		return bindPlatformInbound(ctx, rt, in)
	default:
		return nil, fmt.Errorf("runtime: unknown inbound protocol %q", in.Protocol)
	}
}

// Run binds every configured inbound listener first (including privileged
// low-port binds), then invokes dropPrivileges once every bind has
// succeeded, and only then starts the accept/serve loops under a supervised
// task group. Binding before the privilege drop matters: setuid/setgid before
// the binds would make binding low ports impossible (spec.md §6,
// "invoke setuid/setgid ... preserve that order"). Listener startup failures
// are aggregated (hashicorp/go-multierror) and treated as fatal, per
// spec.md §7.
func (rt *Runtime) Run(ctx context.Context, dropPrivileges func()) error {
	var serves []boundServe
	var startErrs error
	for _, in := range rt.doc.In {
		bound, err := rt.bindInbound(ctx, in)
		if err != nil {
			startErrs = multierror.Append(startErrs, err)
			continue
		}
		serves = append(serves, bound...)
	}
	if startErrs != nil {
		dlog.Errorf(ctx, "runtime: startup errors: %v", startErrs)
		return startErrs
	}

	if dropPrivileges != nil {
		dropPrivileges()
	}

	group := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	for _, b := range serves {
		b := b
		group.Go(b.tag, b.serve)
	}
	return group.Wait()
}

func durationOr(sec float64, def time.Duration) time.Duration {
	if sec <= 0 {
		return def
	}
	return time.Duration(sec * float64(time.Second))
}
