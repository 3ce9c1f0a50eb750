package dnsbl

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver issues a single A-record query for name and returns the raw
// response message. Implementations must honor ctx for cancellation; the
// checker additionally imposes timeout as a hard per-query deadline.
//
// This is the substitution seam for tests (see fakeResolver in
// checker_test.go), mirroring the teacher's dns.MockResolver: production
// code depends on the interface, tests supply an in-memory fake.
type Resolver interface {
	Query(ctx context.Context, name string, timeout time.Duration) (*dns.Msg, error)
}

// SystemResolver queries A records against a fixed set of nameservers using
// github.com/miekg/dns, the way other_examples/lukasdietrich-briefmail
// resolves DNSBL lookups directly with dns.Client instead of the standard
// library resolver, which does not expose Rcode.
type SystemResolver struct {
	Servers []string // "host:port", tried in order until one answers.
}

// NewSystemResolver builds a resolver from the servers listed in
// /etc/resolv.conf. It fails if the file cannot be parsed or lists no
// servers.
func NewSystemResolver() (*SystemResolver, error) {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, fmt.Errorf("dnsbl: reading resolv.conf: %w", err)
	}
	if len(conf.Servers) == 0 {
		return nil, fmt.Errorf("dnsbl: no nameservers configured")
	}
	r := &SystemResolver{}
	for _, s := range conf.Servers {
		r.Servers = append(r.Servers, net.JoinHostPort(s, conf.Port))
	}
	return r, nil
}

func (r *SystemResolver) Query(ctx context.Context, name string, timeout time.Duration) (*dns.Msg, error) {
	var lastErr error
	for _, server := range r.Servers {
		resp, err := queryServer(ctx, server, name, timeout)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// queryServer sends a single A-record query for name to server ("host:port")
// with a hard timeout, honoring ctx cancellation.
func queryServer(ctx context.Context, server, name string, timeout time.Duration) (*dns.Msg, error) {
	client := &dns.Client{Timeout: timeout}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	msg.RecursionDesired = true
	resp, _, err := client.ExchangeContext(ctx, msg, server)
	return resp, err
}

// QueryPublicResolver queries server (a bare IP such as "1.1.1.1") for the A
// records of name, used by the supplemental probe (internal/probe) to test a
// single well-known public resolver directly rather than through the
// process's configured nameservers.
func QueryPublicResolver(ctx context.Context, server, name string, timeout time.Duration) (*dns.Msg, error) {
	return queryServer(ctx, net.JoinHostPort(server, "53"), name, timeout)
}
