package routeaddr

import "testing"

func TestEmptyMatchesEverything(t *testing.T) {
	m, err := Compile(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Match("anything.example") {
		t.Fatal("empty matcher should match everything")
	}
}

func TestDomainSuffix(t *testing.T) {
	m, err := Compile([]Pattern{{Kind: "domain", Value: "example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	cases := map[string]bool{
		"a.b.example.com": true,
		"example.com":     true,
		"notexample.com":  false,
		"example.com.cn":  false,
	}
	for host, want := range cases {
		if got := m.Match(host); got != want {
			t.Errorf("Match(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestCIDRLongestPrefix(t *testing.T) {
	mA, err := Compile([]Pattern{{Kind: "cidr", Value: "10.0.0.0/8"}})
	if err != nil {
		t.Fatal(err)
	}
	mB, err := Compile([]Pattern{{Kind: "cidr", Value: "10.1.0.0/16"}})
	if err != nil {
		t.Fatal(err)
	}
	if !mB.Match("10.1.2.3") {
		t.Fatal("10.1.2.3 should match the /16")
	}
	if !mA.Match("10.1.2.3") {
		t.Fatal("10.1.2.3 is also within the /8")
	}
	if mB.Match("10.2.2.3") {
		t.Fatal("10.2.2.3 should not match the /16")
	}
	if !mA.Match("10.2.2.3") {
		t.Fatal("10.2.2.3 should match the /8")
	}
}

func TestOrOfModesMonotonic(t *testing.T) {
	m1, err := Compile([]Pattern{{Kind: "full", Value: "a.example"}})
	if err != nil {
		t.Fatal(err)
	}
	if !m1.Match("a.example") {
		t.Fatal("expected full match")
	}
	m2, err := Compile([]Pattern{
		{Kind: "full", Value: "a.example"},
		{Kind: "substring", Value: "unrelated"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !m2.Match("a.example") {
		t.Fatal("adding a term must not make a previously matching input fail")
	}
}
