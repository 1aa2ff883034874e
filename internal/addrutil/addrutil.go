// Package addrutil implements the canonical "<host>:<port>" address-string
// form used at every interface boundary in stn: parsing, rendering, and the
// v4-mapped-v6 normalization rule.
package addrutil

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// HostPort is a parsed address string: host is either an IP literal or a
// domain name, kept as text so RouteAddr can match either shape.
type HostPort struct {
	Host string
	Port uint16
	IP   netip.Addr // zero value if Host is a domain
}

// Parse splits s at its last colon, the same rule the teacher's connpool
// address helpers use to tolerate bracketed IPv6 literals.
func Parse(s string) (HostPort, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return HostPort{}, fmt.Errorf("addrutil: missing port in %q", s)
	}
	host, portStr := s[:i], s[i+1:]
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return HostPort{}, fmt.Errorf("addrutil: bad port in %q: %w", s, err)
	}
	hp := HostPort{Host: host, Port: uint16(port)}
	if ip, err := netip.ParseAddr(host); err == nil {
		hp.IP = normalize(ip)
		hp.Host = hp.IP.String()
	}
	return hp, nil
}

// normalize renders v4-mapped v6 addresses in their v4 textual form.
func normalize(ip netip.Addr) netip.Addr {
	if ip.Is4In6() {
		return ip.Unmap()
	}
	return ip
}

// String renders the canonical form, bracketing IPv6 literals.
func (hp HostPort) String() string {
	if hp.IP.IsValid() && hp.IP.Is6() && !hp.IP.Is4In6() {
		return fmt.Sprintf("[%s]:%d", hp.Host, hp.Port)
	}
	return fmt.Sprintf("%s:%d", hp.Host, hp.Port)
}

// IsIP reports whether the host parsed as an IP literal.
func (hp HostPort) IsIP() bool { return hp.IP.IsValid() }

// TCPAddr renders a *net.TCPAddr, only valid when IsIP() is true.
func (hp HostPort) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.IP(hp.IP.AsSlice()), Port: int(hp.Port)}
}

// Join builds the canonical string form directly from parts, used by
// outbounds that already hold a parsed IP and numeric port.
func Join(host string, port uint16) string {
	hp := HostPort{Host: host, Port: port}
	if ip, err := netip.ParseAddr(host); err == nil {
		hp.IP = normalize(ip)
		hp.Host = hp.IP.String()
	}
	return hp.String()
}
