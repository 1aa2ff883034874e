package route

import (
	"testing"

	"github.com/miekg/dns"

	"github.com/fh0stn/stn/internal/routeaddr"
)

func mustMatcher(t *testing.T, patterns ...routeaddr.Pattern) *routeaddr.Matcher {
	t.Helper()
	m, err := routeaddr.Compile(patterns)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestFindOutFirstMatchWins(t *testing.T) {
	proxyDomain := mustMatcher(t, routeaddr.Pattern{Kind: "domain", Value: "google.com"})
	tbl := &Table{
		Rules: []Rule{
			{DAddr: proxyDomain, Jump: 1},
		},
		Default: 0,
	}
	jump, err := tbl.FindOut("", "tcp", "1.2.3.4:1111", "maps.google.com:443", nil)
	if err != nil {
		t.Fatal(err)
	}
	if jump != 1 {
		t.Fatalf("want jump 1, got %d", jump)
	}
	jump, err = tbl.FindOut("", "tcp", "1.2.3.4:1111", "example.org:443", nil)
	if err != nil {
		t.Fatal(err)
	}
	if jump != 0 {
		t.Fatalf("want default jump 0, got %d", jump)
	}
}

func TestFindOutDNSDomainAnySemantics(t *testing.T) {
	m := mustMatcher(t, routeaddr.Pattern{Kind: "domain", Value: "a.com"})
	tbl := &Table{Rules: []Rule{{DNSDomain: m, Jump: 2}}, Default: 0}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn("a.com"), dns.TypeA)
	// A non-matching question ahead of the matching one: any-question
	// semantics still take the rule, all-question semantics would not.
	msg.Question = append([]dns.Question{{Name: "b.org.", Qtype: dns.TypeA, Qclass: dns.ClassINET}}, msg.Question...)
	payload, err := msg.Pack()
	if err != nil {
		t.Fatal(err)
	}
	jump, err := tbl.FindOut("", "udp", "1.2.3.4:1", "8.8.8.8:53", payload)
	if err != nil {
		t.Fatal(err)
	}
	if jump != 2 {
		t.Fatalf("want jump 2, got %d", jump)
	}
}

func TestFindOutUnparseablePayloadSkipsField(t *testing.T) {
	m := mustMatcher(t, routeaddr.Pattern{Kind: "domain", Value: "a.com"})
	tbl := &Table{Rules: []Rule{{DNSDomain: m, Jump: 3}}, Default: 0}
	jump, err := tbl.FindOut("", "udp", "1.2.3.4:1", "8.8.8.8:53", []byte{0xff})
	if err != nil {
		t.Fatal(err)
	}
	if jump != 3 {
		t.Fatalf("unparseable payload should be skipped, not a mismatch; want jump 3, got %d", jump)
	}
}
