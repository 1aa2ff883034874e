package dnscache

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// fakeUpstream answers AAAA with NOERROR/empty and A with a real address,
// exercising the resolver's ipv6_first fallback (S6).
func fakeUpstream(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if len(r.Question) == 1 && r.Question[0].Qtype == dns.TypeA {
			rr, _ := dns.NewRR(r.Question[0].Name + " 30 IN A 93.184.216.34")
			m.Answer = append(m.Answer, rr)
		}
		_ = w.WriteMsg(m)
	})
	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go srv.ActivateAndServe()
	return pc.LocalAddr().String(), func() { srv.Shutdown() }
}

func TestResolverIPv6FirstFallsBackToA(t *testing.T) {
	addr, closeFn := fakeUpstream(t)
	defer closeFn()

	r := NewResolver([]string{addr}, true, 1, 300)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	got, err := r.Resolve(ctx, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if got != "93.184.216.34" {
		t.Fatalf("expected fallback A answer, got %q", got)
	}
}
