package outbound

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/fh0stn/stn/internal/socks5"
)

// Upstream dials the next hop recursively via the route engine, letting a
// SOCKS5 or HTTP outbound sit in front of another outbound. The Upstream is
// supplied by the Runtime (Runtime.recursiveDialer), which is responsible for detecting configuration
// cycles before any of this ever runs (SPEC_FULL.md §9, "cyclic references").
type Upstream func(ctx context.Context, network, daddr string) (net.Conn, error)

// Socks5 is the client side of SOCKS5 to an upstream proxy.
type Socks5 struct {
	tag      string
	dial     Upstream
	upstream string
}

// NewSocks5 builds a SOCKS5-upstream outbound.
func NewSocks5(tag, upstreamAddr string, dial Upstream) *Socks5 {
	return &Socks5{tag: tag, dial: dial, upstream: upstreamAddr}
}

func (s *Socks5) Tag() string { return s.tag }

func (s *Socks5) DialTCP(ctx context.Context, daddr string) (net.Conn, error) {
	conn, err := s.dial(ctx, "tcp", s.upstream)
	if err != nil {
		return nil, fmt.Errorf("socks5-out[%s]: dial upstream: %w", s.tag, err)
	}
	leftover, err := s.handshakeConnect(conn, daddr)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return withLeftover(conn, leftover), nil
}

// handshakeConnect returns any bytes the upstream already pipelined past its
// CONNECT reply, buffered into r during the handshake read and otherwise
// lost once conn is handed back as a bare net.Conn.
func (s *Socks5) handshakeConnect(conn net.Conn, daddr string) ([]byte, error) {
	if _, err := conn.Write([]byte{socks5.Version5, 1, socks5.MethodNoAuth}); err != nil {
		return nil, err
	}
	r := bufio.NewReader(conn)
	methodReply := make([]byte, 2)
	if _, err := readFull(r, methodReply); err != nil {
		return nil, err
	}
	if methodReply[1] != socks5.MethodNoAuth {
		return nil, fmt.Errorf("socks5-out[%s]: upstream rejected no-auth", s.tag)
	}
	addrBuf, err := socks5.GenerateDAddrBuf(daddr)
	if err != nil {
		return nil, err
	}
	req := append([]byte{socks5.Version5, socks5.CmdConnect, 0x00}, addrBuf...)
	if _, err := conn.Write(req); err != nil {
		return nil, err
	}
	hdr := make([]byte, 4)
	if _, err := readFull(r, hdr); err != nil {
		return nil, err
	}
	if hdr[1] != socks5.ReplySuccess {
		return nil, fmt.Errorf("socks5-out[%s]: upstream CONNECT reply %#x", s.tag, hdr[1])
	}
	if _, _, err := socks5.GetDAddr(append([]byte{hdr[3]}, mustDrainAddr(r, hdr[3])...)); err != nil {
		return nil, err
	}
	return drainBuffered(r), nil
}

// mustDrainAddr reads the BND.ADDR+BND.PORT bytes following the ATYP byte so
// the reader is left positioned at the start of payload data.
func mustDrainAddr(r *bufio.Reader, atyp byte) []byte {
	var n int
	switch atyp {
	case socks5.ATypIPv4:
		n = 4 + 2
	case socks5.ATypIPv6:
		n = 16 + 2
	case socks5.ATypDomain:
		lb, _ := r.Peek(1)
		if len(lb) == 1 {
			n = 1 + int(lb[0]) + 2
		}
	}
	buf := make([]byte, n)
	_, _ = readFull(r, buf)
	return buf
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Socks5) BindUDP(ctx context.Context, saddr string, toClient chan<- Datagram) (chan<- Datagram, error) {
	conn, err := s.dial(ctx, "tcp", s.upstream)
	if err != nil {
		return nil, fmt.Errorf("socks5-out[%s]: dial upstream: %w", s.tag, err)
	}
	r := bufio.NewReader(conn)
	if err := s.handshakeAssociate(conn, r); err != nil {
		conn.Close()
		return nil, err
	}
	relayAddr, err := s.readAssociateBindAddr(r)
	if err != nil {
		conn.Close()
		return nil, err
	}
	relayConn, err := net.Dial("udp", relayAddr)
	if err != nil {
		conn.Close()
		return nil, err
	}

	fromClient := make(chan Datagram, 100)
	go func() {
		defer conn.Close()
		defer relayConn.Close()
		buf := make([]byte, 1)
		_, _ = conn.Read(buf) // liveness sentinel: blocks until upstream closes
	}()
	go func() {
		for dg := range fromClient {
			hdr, err := socks5.BuildUDPHeader(dg.Addr)
			if err != nil {
				continue
			}
			_, _ = relayConn.Write(append(hdr, dg.Data...))
		}
	}()
	go func() {
		buf := make([]byte, 64*1024)
		for {
			_ = relayConn.SetReadDeadline(time.Now().Add(60 * time.Second))
			n, err := relayConn.Read(buf)
			if err != nil {
				return
			}
			hdr, err := socks5.ParseUDPHeader(buf[:n])
			if err != nil {
				continue
			}
			select {
			case toClient <- Datagram{Addr: hdr.DestAddr, Data: append([]byte(nil), buf[hdr.DataOff:n]...)}:
			default:
			}
		}
	}()
	return fromClient, nil
}

func (s *Socks5) handshakeAssociate(conn net.Conn, r *bufio.Reader) error {
	if _, err := conn.Write([]byte{socks5.Version5, 1, socks5.MethodNoAuth}); err != nil {
		return err
	}
	reply := make([]byte, 2)
	if _, err := readFull(r, reply); err != nil {
		return err
	}
	addrBuf, err := socks5.GenerateDAddrBuf("0.0.0.0:0")
	if err != nil {
		return err
	}
	req := append([]byte{socks5.Version5, socks5.CmdUDPAssociate, 0x00}, addrBuf...)
	_, err = conn.Write(req)
	return err
}

func (s *Socks5) readAssociateBindAddr(r *bufio.Reader) (string, error) {
	hdr := make([]byte, 4)
	if _, err := readFull(r, hdr); err != nil {
		return "", err
	}
	if hdr[1] != socks5.ReplySuccess {
		return "", fmt.Errorf("socks5-out[%s]: UDP ASSOCIATE reply %#x", s.tag, hdr[1])
	}
	rest := mustDrainAddr(r, hdr[3])
	addr, _, err := socks5.GetDAddr(append([]byte{hdr[3]}, rest...))
	return addr, err
}
