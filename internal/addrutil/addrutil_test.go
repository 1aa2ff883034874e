package addrutil

import "testing"

func TestRoundTrip(t *testing.T) {
	cases := []string{"127.0.0.1:80", "[2001:db8::1]:443", "example.com:8080"}
	for _, c := range cases {
		hp, err := Parse(c)
		if err != nil {
			t.Fatalf("parse %q: %v", c, err)
		}
		hp2, err := Parse(hp.String())
		if err != nil {
			t.Fatalf("reparse %q: %v", hp.String(), err)
		}
		if hp2.String() != hp.String() {
			t.Fatalf("round trip mismatch: %q != %q", hp2.String(), hp.String())
		}
	}
}

func TestV4MappedRendersAsV4(t *testing.T) {
	hp, err := Parse("[::ffff:192.0.2.1]:53")
	if err != nil {
		t.Fatal(err)
	}
	if hp.String() != "192.0.2.1:53" {
		t.Fatalf("want v4 form, got %q", hp.String())
	}
}

func TestMissingPort(t *testing.T) {
	if _, err := Parse("example.com"); err == nil {
		t.Fatal("expected error for missing port")
	}
}
