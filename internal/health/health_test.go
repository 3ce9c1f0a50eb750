package health

import (
	"sync"
	"testing"

	"github.com/mjl-/dnsblguard/internal/dnsbl"
)

func TestRecordAndSummarize(t *testing.T) {
	a := New([]string{"zen.x.org", "bl.y.org"})
	a.IPCheckStarted()
	a.Record("zen.x.org", dnsbl.Listed, dnsbl.FailureNone)
	a.Record("bl.y.org", dnsbl.Unknown, dnsbl.FailureTimeout)
	a.Record("bl.y.org", dnsbl.Unknown, dnsbl.FailureTimeout)

	s := a.Summarize(PublicProbe{})
	if s.TotalDNSBLs != 2 || s.BrokenDNSBLs != 1 {
		t.Fatalf("got %+v", s)
	}
	if s.TotalIPChecks != 1 {
		t.Fatalf("total ip checks = %d", s.TotalIPChecks)
	}

	healthy, removed := s.PrunedZones()
	if len(healthy) != 1 || healthy[0] != "zen.x.org" {
		t.Fatalf("healthy = %v", healthy)
	}
	if len(removed) != 1 || removed[0] != "bl.y.org" {
		t.Fatalf("removed = %v", removed)
	}
}

func TestNetworkIssueRequiresBothThresholdAndProbe(t *testing.T) {
	a := New([]string{"a", "b"})
	a.Record("a", dnsbl.Unknown, dnsbl.FailureTimeout)
	a.Record("b", dnsbl.Unknown, dnsbl.FailureTimeout)

	// 100% broken, but probe not enabled: no flag.
	s := a.Summarize(PublicProbe{})
	if s.NetworkIssueDetected {
		t.Fatalf("expected no network issue without probe")
	}

	// 100% broken, probe enabled but one resolver reachable: no flag.
	s = a.Summarize(PublicProbe{Enabled: true, CloudflareReachable: true})
	if s.NetworkIssueDetected {
		t.Fatalf("expected no network issue with one resolver reachable")
	}

	// 100% broken, both resolvers unreachable: flag raised.
	s = a.Summarize(PublicProbe{Enabled: true})
	if !s.NetworkIssueDetected {
		t.Fatalf("expected network issue")
	}
}

func TestExactlyFiftyPercentBrokenTriggersCheck(t *testing.T) {
	a := New([]string{"a", "b", "c", "d"})
	a.Record("a", dnsbl.Unknown, dnsbl.FailureTimeout)
	a.Record("b", dnsbl.Unknown, dnsbl.FailureTimeout)
	a.Record("c", dnsbl.Listed, dnsbl.FailureNone)
	a.Record("d", dnsbl.NotListed, dnsbl.FailureNone)

	s := a.Summarize(PublicProbe{Enabled: true})
	if s.BrokenFraction() != 0.5 {
		t.Fatalf("broken fraction = %v", s.BrokenFraction())
	}
	if !s.NetworkIssueDetected {
		t.Fatalf("expected network issue at exactly 50%% broken with both probes down")
	}
}

func TestAllZonesUnknownPrunesEveryZone(t *testing.T) {
	a := New([]string{"a", "b"})
	a.Record("a", dnsbl.Unknown, dnsbl.FailureResolverError)
	a.Record("b", dnsbl.Unknown, dnsbl.FailureResolverError)
	s := a.Summarize(PublicProbe{})
	healthy, removed := s.PrunedZones()
	if len(healthy) != 0 {
		t.Fatalf("expected no healthy zones, got %v", healthy)
	}
	if len(removed) != 2 {
		t.Fatalf("expected both zones removed, got %v", removed)
	}
}

func TestConcurrentRecordIsRaceFree(t *testing.T) {
	a := New([]string{"a"})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Record("a", dnsbl.Listed, dnsbl.FailureNone)
		}()
	}
	wg.Wait()
	s := a.Summarize(PublicProbe{})
	if s.Zones[0].Checks != 100 {
		t.Fatalf("checks = %d", s.Zones[0].Checks)
	}
}
