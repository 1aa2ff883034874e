package httpproxy

import (
	"bufio"
	"strings"
	"testing"
)

func TestHostExtraction(t *testing.T) {
	cases := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"CONNECT a.com:443 HTTP/1.1\r\nHost: a.com:443\r\n\r\n", "a.com:443", false},
		{"GET http://a.com/x HTTP/1.1\r\nHost: a.com\r\n\r\n", "a.com:80", false},
		{"GET http://a.com:232/x HTTP/1.1\r\nHost: a.com:232\r\n\r\n", "a.com:232", false},
		{"GET http://a_!bad/x HTTP/1.1\r\nHost: a_!bad\r\n\r\n", "", true},
	}
	for _, c := range cases {
		r := bufio.NewReader(strings.NewReader(c.raw))
		req, err := Read(r)
		if c.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", c.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", c.raw, err)
		}
		if req.Host != c.want {
			t.Errorf("%q: got host %q, want %q", c.raw, req.Host, c.want)
		}
	}
}

func TestConnectSuccessReplyIsBitExact(t *testing.T) {
	if string(ConnectSuccessReply()) != "HTTP/1.1 200 Connection established\r\n\r\n" {
		t.Fatal("connect success reply mismatch")
	}
}
