package dnscache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/miekg/dns"
)

// pending tracks a fanned-out request awaiting the first upstream reply,
// grounded on server.go's ServeDNS "awaiting-reply" bookkeeping.
type pending struct {
	clientID uint16
	key      uint64
}

// Server is the DNS outbound: it answers client queries from the cache,
// otherwise fans the request out to every upstream in parallel and caches
// the first usable reply.
type Server struct {
	Upstreams []string
	Cache     *Cache

	mu      sync.Mutex
	waiting map[uint64]chan *fanOutAnswer
}

// fanOutAnswer is one completed upstream exchange: the reply plus the
// upstream address that produced it.
type fanOutAnswer struct {
	msg      *dns.Msg
	upstream string
}

// NewServer wires a DNS outbound server around an existing answer cache.
func NewServer(upstreams []string, cache *Cache) *Server {
	return &Server{Upstreams: upstreams, Cache: cache, waiting: map[uint64]chan *fanOutAnswer{}}
}

// Resolve answers one inbound DNS query (raw wire bytes), returning the raw
// reply bytes (transaction id rewritten to the requester's id) and the
// address of the upstream DNS server that actually produced the answer —
// the real responder, needed by protocol-aware inbounds (SOCKS5's
// UDP-associate DST.ADDR) that must report who answered, not the client.
func (s *Server) Resolve(ctx context.Context, query []byte) ([]byte, string, error) {
	req := new(dns.Msg)
	if err := req.Unpack(query); err != nil {
		return nil, "", fmt.Errorf("dnscache: malformed query: %w", err)
	}
	key := QuestionKey(req.Question)

	if entry, ok := s.Cache.Get(key); ok {
		reply := entry.Msg.Copy()
		reply.Id = req.Id
		replyBytes, err := reply.Pack()
		return replyBytes, entry.Upstream, err
	}

	reply, upstream, err := s.fanOut(ctx, key, req)
	if err != nil {
		return nil, "", err
	}
	reply.Id = req.Id
	replyBytes, err := reply.Pack()
	return replyBytes, upstream, err
}

// fanOut forwards req to every upstream in parallel and returns the first
// reply along with the upstream address that produced it, single-flighted
// per question-key so concurrent identical queries share one set of
// in-flight upstream exchanges.
func (s *Server) fanOut(ctx context.Context, key uint64, req *dns.Msg) (*dns.Msg, string, error) {
	s.mu.Lock()
	if ch, ok := s.waiting[key]; ok {
		s.mu.Unlock()
		select {
		case a := <-ch:
			if a == nil {
				return nil, "", fmt.Errorf("dnscache: upstream exchange failed")
			}
			return a.msg, a.upstream, nil
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	ch := make(chan *fanOutAnswer, 1)
	s.waiting[key] = ch
	s.mu.Unlock()

	result := make(chan *fanOutAnswer, len(s.Upstreams))
	for _, up := range s.Upstreams {
		go func(upstream string) {
			c := &dns.Client{Net: "udp", Timeout: 5 * time.Second}
			resp, _, err := c.ExchangeContext(ctx, req, upstream)
			if err != nil || resp == nil {
				result <- nil
				return
			}
			result <- &fanOutAnswer{msg: resp, upstream: upstream}
		}(up)
	}

	var winner *fanOutAnswer
	for range s.Upstreams {
		if a := <-result; a != nil {
			winner = a
			break
		}
	}

	s.mu.Lock()
	delete(s.waiting, key)
	s.mu.Unlock()

	select {
	case ch <- winner:
	default:
	}
	close(ch)

	if winner == nil {
		return nil, "", fmt.Errorf("dnscache: all upstreams failed")
	}
	s.Cache.Put(key, winner.msg, winner.upstream)
	return winner.msg, winner.upstream, nil
}

// RefreshLoop runs every interval (when interval > 0), evicting and
// re-querying cache entries approaching expiry. Grounded on the spec's
// "background task runs every min_ttl seconds" proactive refresh behavior.
func (s *Server) RefreshLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			keys := s.Cache.ExpiringSoon(interval)
			for _, k := range keys {
				entry, ok := s.Cache.Get(k)
				if !ok {
					continue
				}
				q := entry.Msg.Question
				s.Cache.Remove(k)
				refreshReq := new(dns.Msg)
				refreshReq.Question = q
				refreshReq.RecursionDesired = true
				if _, _, err := s.fanOut(ctx, k, refreshReq); err != nil {
					dlog.Debugf(ctx, "dnscache: refresh failed: %v", err)
				}
			}
		}
	}
}
