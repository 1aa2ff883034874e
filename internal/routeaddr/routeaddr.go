// Package routeaddr implements RouteAddr, the compiled multi-modal address
// matcher used by route rules: a disjoint set of full/substring/domain-suffix/
// CIDR(longest-prefix)/regex sub-matchers, OR-combined.
//
// The compiled form generalizes the teacher's pkg/header.Matcher (compiled
// per-field exact-or-regex matcher) and pkg/subnet.Set (sorted CIDR set) to
// the six-mode address matcher the route engine needs.
package routeaddr

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
)

// Matcher is the compiled form of a RouteAddr pattern list.
type Matcher struct {
	empty      bool
	full       map[string]struct{}
	substring  []string
	domain     map[string]struct{}
	regexes    []*regexp.Regexp
	v4         *trieNode
	v6         *trieNode
}

// Pattern is one raw "kind X" line before compilation.
type Pattern struct {
	Kind  string // "full", "substring", "domain", "cidr", "regex"
	Value string
}

// Compile builds a Matcher from a list of patterns. An empty pattern list
// compiles to the always-match matcher, per the "empty flag" invariant.
func Compile(patterns []Pattern) (*Matcher, error) {
	m := &Matcher{
		full:   map[string]struct{}{},
		domain: map[string]struct{}{},
		v4:     newTrie(),
		v6:     newTrie(),
	}
	if len(patterns) == 0 {
		m.empty = true
		return m, nil
	}
	for _, p := range patterns {
		switch p.Kind {
		case "full":
			m.full[p.Value] = struct{}{}
		case "substring":
			m.substring = append(m.substring, p.Value)
		case "domain":
			m.domain[p.Value] = struct{}{}
		case "cidr":
			prefix, err := netip.ParsePrefix(p.Value)
			if err != nil {
				return nil, fmt.Errorf("routeaddr: bad cidr %q: %w", p.Value, err)
			}
			if prefix.Addr().Is4() {
				m.v4.insert(prefix)
			} else {
				m.v6.insert(prefix)
			}
		case "regex":
			re, err := regexp.Compile(p.Value)
			if err != nil {
				return nil, fmt.Errorf("routeaddr: bad regex %q: %w", p.Value, err)
			}
			m.regexes = append(m.regexes, re)
		default:
			return nil, fmt.Errorf("routeaddr: unknown pattern kind %q", p.Kind)
		}
	}
	return m, nil
}

// Match reports whether host satisfies the OR of every compiled sub-matcher.
func (m *Matcher) Match(host string) bool {
	if m.empty {
		return true
	}
	if _, ok := m.full[host]; ok {
		return true
	}
	for _, sub := range m.substring {
		if strings.Contains(host, sub) {
			return true
		}
	}
	if matchDomain(m.domain, host) {
		return true
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		if ip.Is4() {
			if m.v4.longestMatch(ip) {
				return true
			}
		} else if m.v6.longestMatch(ip) {
			return true
		}
	}
	for _, re := range m.regexes {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

// matchDomain tests every dot-boundary suffix of host against the domain set:
// a.b.example.com matches domain "example.com" via the suffix "example.com";
// "example.com.cn" does not match "example.com" since suffix splitting never
// produces that exact string as a label-aligned tail.
func matchDomain(set map[string]struct{}, host string) bool {
	if len(set) == 0 {
		return false
	}
	labels := strings.Split(host, ".")
	for i := range labels {
		suffix := strings.Join(labels[i:], ".")
		if _, ok := set[suffix]; ok {
			return true
		}
	}
	return false
}

// trieNode is a binary longest-prefix-match trie over IP bits, generalizing
// the teacher's flat pkg/subnet.Set to O(prefix-length) lookup.
type trieNode struct {
	children [2]*trieNode
	terminal bool
}

func newTrie() *trieNode { return &trieNode{} }

func (t *trieNode) insert(prefix netip.Prefix) {
	bits := prefix.Addr().AsSlice()
	n := t
	for i := 0; i < prefix.Bits(); i++ {
		bit := bitAt(bits, i)
		if n.children[bit] == nil {
			n.children[bit] = &trieNode{}
		}
		n = n.children[bit]
	}
	n.terminal = true
}

// longestMatch walks the trie along ip's bits, remembering the deepest
// terminal node seen — that is the longest matching prefix.
func (t *trieNode) longestMatch(ip netip.Addr) bool {
	bits := ip.AsSlice()
	n := t
	matched := n.terminal
	for i := 0; i < len(bits)*8; i++ {
		bit := bitAt(bits, i)
		if n.children[bit] == nil {
			break
		}
		n = n.children[bit]
		if n.terminal {
			matched = true
		}
	}
	return matched
}

func bitAt(b []byte, i int) int {
	byteIdx := i / 8
	bitIdx := 7 - uint(i%8)
	return int((b[byteIdx] >> bitIdx) & 1)
}
