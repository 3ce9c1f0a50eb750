// Package reverseip builds DNSBL query names from IPv4 addresses.
//
// A DNSBL is queried by reversing the octets of the address being checked and
// appending the zone as a suffix. For 203.0.113.45 with zone
// zen.example.org, the query name is 45.113.0.203.zen.example.org.
// See RFC 5782 section 2.
package reverseip

import (
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidIPv4 is returned when the input is not four decimal octets in
// 0..255.
var ErrInvalidIPv4 = fmt.Errorf("reverseip: not a dotted-quad ipv4 address")

// QueryName reverses the octets of ip and appends zone, producing the DNS
// name to query for a DNSBL lookup. ip must be a dotted-quad IPv4 address
// (an octet with a leading zero, such as "045", is rejected; no IPv6). zone
// should not have a trailing dot;
// one is not added.
func QueryName(ip, zone string) (string, error) {
	octets, err := octets(ip)
	if err != nil {
		return "", err
	}
	b := &strings.Builder{}
	for i := len(octets) - 1; i >= 0; i-- {
		b.WriteString(octets[i])
		b.WriteByte('.')
	}
	b.WriteString(zone)
	return b.String(), nil
}

// octets validates ip and returns its four decimal octet strings in their
// original (non-reversed) order.
func octets(ip string) ([4]string, error) {
	var out [4]string
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return out, ErrInvalidIPv4
	}
	for i, p := range parts {
		if p == "" || len(p) > 3 {
			return out, ErrInvalidIPv4
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return out, ErrInvalidIPv4
			}
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return out, ErrInvalidIPv4
		}
		// Reject leading zeros other than "0" itself, e.g. "045", to keep the
		// formatter total over unambiguous dotted-quad input only.
		if len(p) > 1 && p[0] == '0' {
			return out, ErrInvalidIPv4
		}
		out[i] = p
	}
	return out, nil
}

// Valid reports whether ip is an acceptable dotted-quad IPv4 address for
// QueryName.
func Valid(ip string) bool {
	_, err := octets(ip)
	return err == nil
}
