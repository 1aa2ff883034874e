package socks5

import "testing"

func TestGenerateGetDAddrRoundTrip(t *testing.T) {
	cases := []string{"192.0.2.1:80", "[2001:db8::1]:443", "example.com:8080"}
	for _, addr := range cases {
		buf, err := GenerateDAddrBuf(addr)
		if err != nil {
			t.Fatalf("generate %q: %v", addr, err)
		}
		got, n, err := GetDAddr(buf)
		if err != nil {
			t.Fatalf("get %q: %v", addr, err)
		}
		if n != len(buf) {
			t.Fatalf("consumed %d, want %d", n, len(buf))
		}
		if got != addr {
			t.Fatalf("round trip: got %q, want %q", got, addr)
		}
	}
}

func TestUDPHeaderRejectsNonzeroFrag(t *testing.T) {
	buf := []byte{0, 0, 1, ATypIPv4, 1, 2, 3, 4, 0, 80}
	if _, err := ParseUDPHeader(buf); err != ErrNonZeroFrag {
		t.Fatalf("want ErrNonZeroFrag, got %v", err)
	}
}

func TestUDPHeaderRoundTrip(t *testing.T) {
	hdr, err := BuildUDPHeader("203.0.113.5:53")
	if err != nil {
		t.Fatal(err)
	}
	payload := append(hdr, []byte("hello")...)
	parsed, err := ParseUDPHeader(payload)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.DestAddr != "203.0.113.5:53" {
		t.Fatalf("got %q", parsed.DestAddr)
	}
	if string(payload[parsed.DataOff:]) != "hello" {
		t.Fatalf("got data %q", payload[parsed.DataOff:])
	}
}
