package dnscache

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

func buildAnswer(t *testing.T, name string, ttl uint32) *dns.Msg {
	t.Helper()
	msg := new(dns.Msg)
	msg.Id = 0xABCD
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	rr, err := dns.NewRR(dns.Fqdn(name) + " " + itoa(ttl) + " IN A 93.184.216.34")
	if err != nil {
		t.Fatal(err)
	}
	msg.Answer = append(msg.Answer, rr)
	return msg
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestCacheTTLClamp(t *testing.T) {
	c, err := New(10, 1, 5)
	if err != nil {
		t.Fatal(err)
	}
	msg := buildAnswer(t, "a.com", 9999)
	key := QuestionKey(msg.Question)
	c.Put(key, msg, "127.0.0.1:53")
	if msg.Answer[0].Header().Ttl != 5 {
		t.Fatalf("expected ttl clamped to 5, got %d", msg.Answer[0].Header().Ttl)
	}

	msg2 := buildAnswer(t, "b.com", 0)
	c.Put(QuestionKey(msg2.Question), msg2, "127.0.0.1:53")
	if msg2.Answer[0].Header().Ttl != 1 {
		t.Fatalf("expected ttl clamped to min 1, got %d", msg2.Answer[0].Header().Ttl)
	}
}

func TestCacheIDRewriteOnHit(t *testing.T) {
	cache, err := New(10, 1, 300)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(nil, cache)

	msg := buildAnswer(t, "a.com", 30)
	key := QuestionKey(msg.Question)
	cache.Put(key, msg, "127.0.0.1:53")

	req := new(dns.Msg)
	req.Id = 0x1234
	req.SetQuestion(dns.Fqdn("a.com"), dns.TypeA)
	query, err := req.Pack()
	if err != nil {
		t.Fatal(err)
	}

	replyBytes, upstream, err := srv.Resolve(nil, query) //nolint:staticcheck // no ctx needed on cache-hit path
	if err != nil {
		t.Fatal(err)
	}
	if upstream != "127.0.0.1:53" {
		t.Fatalf("want cached upstream 127.0.0.1:53, got %q", upstream)
	}
	reply := new(dns.Msg)
	if err := reply.Unpack(replyBytes); err != nil {
		t.Fatal(err)
	}
	if reply.Id != 0x1234 {
		t.Fatalf("want rewritten id 0x1234, got %#x", reply.Id)
	}
}

func TestCacheExpiryIsEvictedOnAccess(t *testing.T) {
	c, err := New(10, 0, 300)
	if err != nil {
		t.Fatal(err)
	}
	key := uint64(42)
	c.mu.Lock()
	c.lru.Add(key, &Entry{Msg: new(dns.Msg), Deadline: time.Now().Add(-time.Second)})
	c.mu.Unlock()
	if _, ok := c.Get(key); ok {
		t.Fatal("expired entry should not be returned")
	}
}
