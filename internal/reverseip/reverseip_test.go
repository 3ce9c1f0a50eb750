package reverseip

import "testing"

func TestQueryName(t *testing.T) {
	name, err := QueryName("203.0.113.45", "zen.example.org")
	if err != nil {
		t.Fatalf("QueryName: %v", err)
	}
	if name != "45.113.0.203.zen.example.org" {
		t.Fatalf("got %q", name)
	}
}

func TestQueryNameInvalid(t *testing.T) {
	cases := []string{
		"",
		"1.2.3",
		"1.2.3.4.5",
		"256.0.0.1",
		"1.2.3.a",
		"01.2.3.4",
		"::1",
		"1.2.3.",
	}
	for _, ip := range cases {
		if _, err := QueryName(ip, "zen.example.org"); err == nil {
			t.Fatalf("QueryName(%q): expected error, got none", ip)
		}
		if Valid(ip) {
			t.Fatalf("Valid(%q): expected false", ip)
		}
	}
}

func TestValid(t *testing.T) {
	if !Valid("192.168.1.1") {
		t.Fatalf("Valid(192.168.1.1): expected true")
	}
	if !Valid("0.0.0.0") {
		t.Fatalf("Valid(0.0.0.0): expected true")
	}
}
