// Package route implements the rule-based route engine: find_out selects an
// outbound table index for a flow's 5-tuple plus an optional DNS payload
// hint. Rules are evaluated in declared order; the first full match wins.
package route

import (
	"github.com/miekg/dns"

	"github.com/fh0stn/stn/internal/addrutil"
	"github.com/fh0stn/stn/internal/routeaddr"
)

// Rule is one ordered route-table entry. A nil field (or empty slice) means
// "don't care" per the spec's "empty fields match everything" rule.
type Rule struct {
	Tag       []string
	Network   []string
	SAddr     *routeaddr.Matcher
	SPort     []uint16
	DAddr     *routeaddr.Matcher
	DPort     []uint16
	DNSDomain *routeaddr.Matcher
	Jump      int // index into the outbound table
}

// Table is the compiled, read-mostly route rule list plus the default jump.
// Populated once at startup and never mutated afterward, consistent with the
// "outbound table and route list ... populated once at startup" resource
// model.
type Table struct {
	Rules   []Rule
	Default int
}

// FindOut scans rules in order and returns the first whose every non-empty
// field matches. If nothing matches, the default (first) outbound is used.
func (t *Table) FindOut(tag, network, saddr, daddr string, payloadHint []byte) (int, error) {
	sHP, err := addrutil.Parse(saddr)
	if err != nil {
		return 0, err
	}
	dHP, err := addrutil.Parse(daddr)
	if err != nil {
		return 0, err
	}
	for _, r := range t.Rules {
		if !matchSet(r.Tag, tag) {
			continue
		}
		if !matchSet(r.Network, network) {
			continue
		}
		if r.SAddr != nil && !r.SAddr.Match(sHP.Host) {
			continue
		}
		if !matchPort(r.SPort, sHP.Port) {
			continue
		}
		if r.DAddr != nil && !r.DAddr.Match(dHP.Host) {
			continue
		}
		if !matchPort(r.DPort, dHP.Port) {
			continue
		}
		if r.DNSDomain != nil && network == "udp" {
			if !matchDNSDomain(r.DNSDomain, payloadHint) {
				continue
			}
		}
		return r.Jump, nil
	}
	return t.Default, nil
}

func matchSet(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func matchPort(set []uint16, p uint16) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == p {
			return true
		}
	}
	return false
}

// matchDNSDomain parses payload as a DNS message; an unparseable payload is
// skipped (not a mismatch), per the spec. With at least one question, the
// "any question matches" policy is used (the more permissive of the two
// variants the original implementation had).
func matchDNSDomain(m *routeaddr.Matcher, payload []byte) bool {
	if len(payload) == 0 {
		return true
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(payload); err != nil {
		return true
	}
	if len(msg.Question) == 0 {
		return true
	}
	for _, q := range msg.Question {
		name := dns.Fqdn(q.Name)
		if m.Match(trimTrailingDot(name)) {
			return true
		}
	}
	return false
}

func trimTrailingDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}
