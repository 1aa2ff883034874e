package outbound

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func TestOriginDialTCPEcho(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	o := NewOrigin("origin", 2*time.Second, 0, 60*time.Second, true, nil)
	conn, err := o.DialTCP(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Fatalf("want echoed ping, got %q", buf)
	}
}

func TestDropRefusesEverything(t *testing.T) {
	d := NewDrop("blackhole")
	if _, err := d.DialTCP(context.Background(), "1.2.3.4:80"); err == nil {
		t.Fatal("expected drop to refuse TCP")
	}
	if _, err := d.BindUDP(context.Background(), "1.2.3.4:80", nil); err == nil {
		t.Fatal("expected drop to refuse UDP")
	}
}
