// Package probe implements the supplemental network-reachability check of
// §4.I: when the health aggregator sees at least half of the configured
// DNSBL zones return UNKNOWN, the run queries two well-known public
// resolvers directly to distinguish "the DNSBL zones themselves are down"
// from "this host's outbound DNS is broken".
package probe

import (
	"context"
	"time"

	"github.com/miekg/dns"

	"github.com/mjl-/dnsblguard/internal/dnsbl"
	"github.com/mjl-/dnsblguard/internal/health"
	"github.com/mjl-/dnsblguard/mlog"
)

var xlog = mlog.New("probe")

// Cloudflare and Google's public resolvers, queried directly by IP so the
// probe bypasses whatever nameserver configuration might itself be broken.
const (
	cloudflareResolver = "1.1.1.1"
	googleResolver     = "8.8.8.8"
	probeName          = "google.com"
)

// Timeout is the per-resolver deadline, shorter than the ordinary DNSBL
// query timeout since these are known-good, low-latency resolvers and the
// probe should not itself absorb much of the run's remaining time budget.
const Timeout = 3 * time.Second

// queryFunc is the substitution seam for tests, overridden to avoid real
// network access. Production code always uses dnsbl.QueryPublicResolver.
var queryFunc = dnsbl.QueryPublicResolver

// Run queries both public resolvers concurrently and returns a
// health.PublicProbe describing which, if either, answered.
func Run(ctx context.Context) health.PublicProbe {
	type result struct {
		reachable bool
	}
	cf := make(chan result, 1)
	gg := make(chan result, 1)

	go func() { cf <- result{reachable: reachable(ctx, cloudflareResolver)} }()
	go func() { gg <- result{reachable: reachable(ctx, googleResolver)} }()

	p := health.PublicProbe{Enabled: true}
	p.CloudflareReachable = (<-cf).reachable
	p.GoogleReachable = (<-gg).reachable

	xlog.Info("supplemental probe complete", mlog.Field("cloudflareReachable", p.CloudflareReachable), mlog.Field("googleReachable", p.GoogleReachable))
	return p
}

func reachable(ctx context.Context, server string) bool {
	qctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()
	resp, err := queryFunc(qctx, server, probeName, Timeout)
	if err != nil || resp == nil {
		return false
	}
	// §4.I requires at least one A record within the deadline; a NOERROR/
	// NODATA response with zero answers means the resolver replied but
	// didn't resolve the probe name, which is not reachability.
	return resp.Rcode == dns.RcodeSuccess && len(resp.Answer) > 0
}
