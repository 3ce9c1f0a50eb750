package dnsbl

import (
	"context"
	"errors"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// Classification is the outcome of a single (ip, zone) DNSBL lookup.
type Classification string

const (
	Listed    Classification = "LISTED"
	NotListed Classification = "NOT_LISTED"
	Unknown   Classification = "UNKNOWN"
)

// FailureKind further qualifies an Unknown classification. It is the empty
// string for Listed and NotListed.
type FailureKind string

const (
	FailureNone                 FailureKind = ""
	FailureTimeout              FailureKind = "timeout"
	FailureNXDomainZone         FailureKind = "nxdomain_zone"
	FailureInvalidResponseRange FailureKind = "invalid_response_range"
	FailureInvalidResponseType  FailureKind = "invalid_response_type"
	FailureResolverError        FailureKind = "resolver_error"
)

// listedRange is the RFC 5782 range that a listing A record must fall
// within.
var listedRange = &net.IPNet{IP: net.IPv4(127, 0, 0, 0), Mask: net.CIDRMask(8, 32)}

// Classify maps the outcome of an A-record query for the formatted DNSBL
// name to a Classification, a FailureKind (meaningful only for Unknown), and
// a detail string: the sorted, comma-joined A records for Listed, empty
// otherwise.
//
// zone is the DNSBL zone that was queried, in the exact form passed to
// reverseip.QueryName (no trailing dot); it is used only to distinguish an
// apex-NXDOMAIN (the zone itself does not exist) from a name-NXDOMAIN (the
// address is simply not listed).
//
// Classify is total: any error or response shape it does not specifically
// recognize maps to Unknown/resolver_error, per §4.B of the specification.
func Classify(zone string, resp *dns.Msg, queryErr error) (Classification, FailureKind, string) {
	if queryErr != nil {
		if isTimeout(queryErr) {
			return Unknown, FailureTimeout, ""
		}
		return Unknown, FailureResolverError, ""
	}
	if resp == nil {
		return Unknown, FailureResolverError, ""
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
		return classifySuccess(resp)
	case dns.RcodeNameError: // NXDOMAIN
		if apexExists(resp, zone) {
			return NotListed, FailureNone, ""
		}
		return Unknown, FailureNXDomainZone, ""
	case dns.RcodeServerFailure:
		return Unknown, FailureResolverError, ""
	default:
		return Unknown, FailureResolverError, ""
	}
}

func classifySuccess(resp *dns.Msg) (Classification, FailureKind, string) {
	var addrs []string
	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			// A CNAME or other non-A record where an A was expected.
			return Unknown, FailureInvalidResponseType, ""
		}
		addrs = append(addrs, a.A.String())
		if !listedRange.Contains(a.A) {
			return Unknown, FailureInvalidResponseRange, ""
		}
	}
	if len(addrs) == 0 {
		// NOERROR with no data: treated the same as an explicit NXDOMAIN for
		// this specific name (RFC 5782 does not require NODATA vs NXDOMAIN to
		// be distinguished for the not-listed case).
		return NotListed, FailureNone, ""
	}
	sort.Strings(addrs)
	return Listed, FailureNone, strings.Join(addrs, ",")
}

// apexExists reports whether the NXDOMAIN response's authority section
// carries an SOA whose owner name is the zone apex itself, which means the
// zone is delegated and exists; the NXDOMAIN then applies only to the
// specific reversed-IP label queried under it (a genuine not-listed
// result). If no such SOA is present, the NXDOMAIN is treated as the zone
// itself not existing (an apex failure), since a real DNSBL zone always
// answers NXDOMAIN-for-a-label with its own SOA in the authority section.
func apexExists(resp *dns.Msg, zone string) bool {
	want := dns.Fqdn(zone)
	for _, rr := range resp.Ns {
		soa, ok := rr.(*dns.SOA)
		if !ok {
			continue
		}
		if strings.EqualFold(soa.Hdr.Name, want) {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
