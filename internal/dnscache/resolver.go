package dnscache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// resolverIDA and resolverIDAAAA are the fixed transaction ids the resolver
// uses to distinguish its own A/AAAA race replies from each other. The
// resolver never shares its upstream socket with client-facing DNS traffic,
// so these cannot collide with a genuine query id (see SPEC_FULL.md §9).
const (
	resolverIDA    = 4
	resolverIDAAAA = 6
)

// resolverEntry is the name -> address-literal cache entry, kept separate
// from the DNS outbound's Cache per the spec's data model.
type resolverEntry struct {
	addr     string
	deadline time.Time
}

// Resolver resolves a domain to an address literal by racing A and AAAA
// queries across every upstream, preferring one family per IPv6First.
type Resolver struct {
	Upstreams []string
	IPv6First bool
	MinTTL    uint32
	MaxTTL    uint32

	mu    sync.Mutex
	cache map[string]resolverEntry
}

// NewResolver builds a Resolver with its own private name cache.
func NewResolver(upstreams []string, ipv6First bool, minTTL, maxTTL uint32) *Resolver {
	return &Resolver{Upstreams: upstreams, IPv6First: ipv6First, MinTTL: minTTL, MaxTTL: maxTTL, cache: map[string]resolverEntry{}}
}

// Resolve returns an address literal for domain, racing families.
func (r *Resolver) Resolve(ctx context.Context, domain string) (string, error) {
	r.mu.Lock()
	if e, ok := r.cache[domain]; ok && time.Now().Before(e.deadline) {
		r.mu.Unlock()
		return e.addr, nil
	}
	r.mu.Unlock()

	aCh := make(chan raceResult, 1)
	aaaaCh := make(chan raceResult, 1)
	go r.query(ctx, domain, dns.TypeA, resolverIDA, aCh)
	go r.query(ctx, domain, dns.TypeAAAA, resolverIDAAAA, aaaaCh)

	preferred, other := aaaaCh, aCh
	if !r.IPv6First {
		preferred, other = aCh, aaaaCh
	}

	select {
	case res := <-preferred:
		if res.err == nil && len(res.addrs) > 0 {
			return r.remember(domain, res)
		}
		// preferred family failed or had no answer ("wrong_first"); fall
		// through to the other family.
	case <-time.After(5 * time.Second):
		return "", fmt.Errorf("dnscache: resolve timeout")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case res := <-other:
		if res.err == nil && len(res.addrs) > 0 {
			return r.remember(domain, res)
		}
		return "", fmt.Errorf("dnscache: resolve failed for %q", domain)
	case <-time.After(5 * time.Second):
		return "", fmt.Errorf("dnscache: resolve timeout")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Resolver) remember(domain string, res raceResult) (string, error) {
	ttl := res.ttl
	if ttl < r.MinTTL {
		ttl = r.MinTTL
	}
	if r.MaxTTL > 0 && ttl > r.MaxTTL {
		ttl = r.MaxTTL
	}
	r.mu.Lock()
	r.cache[domain] = resolverEntry{addr: res.addrs[0], deadline: time.Now().Add(time.Duration(ttl) * time.Second)}
	r.mu.Unlock()
	return res.addrs[0], nil
}

type raceResult struct {
	addrs []string
	ttl   uint32
	err   error
}

func (r *Resolver) query(ctx context.Context, domain string, qtype uint16, id uint16, out chan<- raceResult) {
	req := new(dns.Msg)
	req.Id = id
	req.SetQuestion(dns.Fqdn(domain), qtype)
	req.RecursionDesired = true

	c := &dns.Client{Net: "udp", Timeout: 5 * time.Second}
	for _, up := range r.Upstreams {
		resp, _, err := c.ExchangeContext(ctx, req, up)
		if err != nil || resp == nil {
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			continue
		}
		var addrs []string
		var ttl uint32
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				addrs = append(addrs, v.A.String())
				ttl = v.Hdr.Ttl
			case *dns.AAAA:
				addrs = append(addrs, v.AAAA.String())
				ttl = v.Hdr.Ttl
			}
		}
		if len(addrs) > 0 {
			out <- raceResult{addrs: addrs, ttl: ttl}
			return
		}
	}
	out <- raceResult{err: fmt.Errorf("no answer for %q", domain)}
}
