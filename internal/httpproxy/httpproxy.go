// Package httpproxy implements the inbound HTTP proxy codec: CONNECT and
// absolute-URI request parsing, hop-by-hop header stripping, and host
// extraction.
//
// Grounded on internal/pkg/proxy/proxy.go's CONNECT-then-pipe shape,
// generalized to also parse absolute-URI requests via the standard
// net/http request reader the teacher's own pkg/client/outbound/api-server.go
// uses for its HTTP surface.
package httpproxy

import (
	"bufio"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/fh0stn/stn/internal/addrutil"
)

const connectSuccess = "HTTP/1.1 200 Connection established\r\n\r\n"

// ConnectSuccessReply returns the bit-exact CONNECT success line.
func ConnectSuccessReply() []byte { return []byte(connectSuccess) }

// hopByHop lists headers stripped before forwarding an absolute-URI request,
// per the spec's "Connection, Keep-Alive, TE, Trailer, Upgrade, Proxy-*"
// list, plus any header named inside the Connection header's value.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Te":                  {},
	"Trailer":             {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
	"Proxy-Authorization": {},
	"Proxy-Authenticate":  {},
}

// Request is a parsed inbound HTTP proxy request.
type Request struct {
	IsConnect bool
	Host      string // canonical "host:port" destination
	Raw       []byte // re-serialized request bytes to forward (absolute-URI only)
}

// Read parses one HTTP/1.x request off r, dispatching CONNECT vs
// absolute-URI/Host-header proxying per the spec's two modes.
func Read(r *bufio.Reader) (Request, error) {
	req, err := http.ReadRequest(r)
	if err != nil {
		return Request{}, err
	}
	if req.Method == http.MethodConnect {
		host, err := normalizeHostPort(req.URL.Host, 443)
		if err != nil {
			return Request{}, err
		}
		return Request{IsConnect: true, Host: host}, nil
	}

	host := req.URL.Host
	if host == "" {
		host = req.Header.Get("Host")
	}
	canonicalHost, err := normalizeHostPort(host, 80)
	if err != nil {
		return Request{}, err
	}

	stripHopByHop(req.Header)
	raw, err := serializeOriginForm(req)
	if err != nil {
		return Request{}, err
	}
	return Request{IsConnect: false, Host: canonicalHost, Raw: raw}, nil
}

// normalizeHostPort validates host syntactically and appends defaultPort if
// none is present, returning the canonical "host:port" form.
func normalizeHostPort(host string, defaultPort uint16) (string, error) {
	if host == "" {
		return "", fmt.Errorf("httpproxy: missing host")
	}
	if strings.Contains(host, ":") {
		hp, err := addrutil.Parse(host)
		if err != nil {
			return "", fmt.Errorf("httpproxy: invalid host %q: %w", host, err)
		}
		if !validDomainOrIP(hp.Host) {
			return "", fmt.Errorf("httpproxy: invalid domain %q", hp.Host)
		}
		return hp.String(), nil
	}
	if !validDomainOrIP(host) {
		return "", fmt.Errorf("httpproxy: invalid domain %q", host)
	}
	return addrutil.Join(host, defaultPort), nil
}

func validDomainOrIP(host string) bool {
	if host == "" {
		return false
	}
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == ':':
		default:
			return false
		}
	}
	return true
}

func stripHopByHop(h http.Header) {
	if conn := h.Get("Connection"); conn != "" {
		for _, name := range strings.Split(conn, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
	for name := range hopByHop {
		h.Del(name)
	}
	for name := range h {
		if strings.HasPrefix(name, "Proxy-") {
			h.Del(name)
		}
	}
}

// serializeOriginForm rewrites req's request line to origin-form (path only)
// and re-serializes headers, leaving the body for the caller to stream.
func serializeOriginForm(req *http.Request) ([]byte, error) {
	var b strings.Builder
	path := req.URL.RequestURI()
	if path == "" {
		path = "/"
	}
	fmt.Fprintf(&b, "%s %s %s\r\n", req.Method, path, req.Proto)
	if err := req.Header.Write(&b); err != nil {
		return nil, err
	}
	b.WriteString("\r\n")
	return []byte(b.String()), nil
}

// ContentLength extracts a declared Content-Length, or -1 if absent/chunked.
func ContentLength(h http.Header) int64 {
	v := h.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// IsChunked reports whether the request uses chunked transfer-encoding.
func IsChunked(h http.Header) bool {
	return strings.EqualFold(h.Get("Transfer-Encoding"), "chunked")
}
