// Package health aggregates per-zone DNSBL reliability counters over the
// course of one run and derives the end-of-run health summary and pruned
// zone list described in §4.D of the specification.
//
// Design Notes §9 calls for the checker-to-aggregator callback to be
// realized either as a message-passing channel consumed by a single owner,
// or as a per-zone atomic counter array. This implementation uses neither:
// one mutex guards the map of per-zone counter sets, addressed by zone
// name, which tolerates the interleaved publication from many in-flight
// queries described in §5 without a dedicated owner goroutine.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/mjl-/dnsblguard/internal/dnsbl"
)

// ZoneRecord is the per-zone counter set from §3, plus its derived
// read-only views.
type ZoneRecord struct {
	Zone          string
	Checks        int
	Successes     int
	Failures      int
	FailuresByKind map[string]int
}

// FailureRate returns Failures/Checks, or 0 if no checks were performed.
func (z ZoneRecord) FailureRate() float64 {
	if z.Checks == 0 {
		return 0
	}
	return float64(z.Failures) / float64(z.Checks)
}

// Status is "broken" iff every check for this zone failed and at least one
// check was performed, "healthy" otherwise.
func (z ZoneRecord) Status() string {
	if z.Checks > 0 && z.FailureRate() == 1.0 {
		return "broken"
	}
	return "healthy"
}

// Aggregator implements dnsbl.HealthRecorder. Its zero value is not usable;
// construct with New.
type Aggregator struct {
	mu      sync.Mutex
	zones   map[string]*ZoneRecord
	checks  int // total IP checks started, via IPCheckStarted
	started time.Time
}

// New returns an Aggregator with a zero counter set for each configured
// zone. Pre-seeding every zone means a zone that never completes a single
// query (e.g. a run cut short by MAX_EXECUTION_TIME) still appears in the
// summary with zero checks, rather than being silently absent.
func New(zones []string) *Aggregator {
	a := &Aggregator{zones: make(map[string]*ZoneRecord, len(zones))}
	for _, z := range zones {
		a.zones[z] = &ZoneRecord{Zone: z, FailuresByKind: map[string]int{}}
	}
	return a
}

// IPCheckStarted records the start of processing for one IP, for the
// total_ip_checks and execution_duration_ms fields of the summary.
func (a *Aggregator) IPCheckStarted() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started.IsZero() {
		a.started = time.Now()
	}
	a.checks++
}

// Record implements dnsbl.HealthRecorder. success is derived from class:
// Listed and NotListed both count as a successful, definitive check;
// Unknown counts as a failure of the given kind.
func (a *Aggregator) Record(zone string, class dnsbl.Classification, failure dnsbl.FailureKind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	z, ok := a.zones[zone]
	if !ok {
		// A zone outside the configured set should never be reported; guard
		// against it rather than panic, so a caller bug degrades to an
		// undercounted summary instead of crashing the run.
		z = &ZoneRecord{Zone: zone, FailuresByKind: map[string]int{}}
		a.zones[zone] = z
	}
	z.Checks++
	if class == dnsbl.Unknown {
		z.Failures++
		kind := string(failure)
		if kind == "" {
			kind = "resolver_error"
		}
		z.FailuresByKind[kind]++
	} else {
		z.Successes++
	}
}

// Snapshot is a defensive copy of one zone's counters, safe to read after
// the run without holding the Aggregator's lock.
type Snapshot struct {
	ZoneRecord
}

// Zones returns a snapshot of every zone's counters, sorted by zone name.
func (a *Aggregator) Zones() []Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Snapshot, 0, len(a.zones))
	for _, z := range a.zones {
		cp := *z
		cp.FailuresByKind = make(map[string]int, len(z.FailuresByKind))
		for k, v := range z.FailuresByKind {
			cp.FailuresByKind[k] = v
		}
		out = append(out, Snapshot{cp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Zone < out[j].Zone })
	return out
}

// Summary is the run-level rollup from §4.D.
type Summary struct {
	TotalDNSBLs          int
	BrokenDNSBLs         int
	NetworkIssueDetected bool
	TotalIPChecks        int
	ExecutionDurationMS  int64
	Zones                []Snapshot
}

// BrokenFraction returns |broken_zones| / |configured_zones|, or 0 if no
// zones are configured.
func (s Summary) BrokenFraction() float64 {
	if s.TotalDNSBLs == 0 {
		return 0
	}
	return float64(s.BrokenDNSBLs) / float64(s.TotalDNSBLs)
}

// PublicProbe is the result of the two-resolver supplemental check (§4.I),
// consulted only when BrokenFraction() >= 0.5.
type PublicProbe struct {
	Enabled              bool
	CloudflareReachable  bool
	GoogleReachable      bool
}

// BothUnreachable reports whether the network-outage flag's second
// condition (§4.D) holds.
func (p PublicProbe) BothUnreachable() bool {
	return p.Enabled && !p.CloudflareReachable && !p.GoogleReachable
}

// Summarize computes the final Summary, folding in probe if the broken
// fraction crosses the 50% threshold and probe.Enabled. probe may be the
// zero value if the supplemental probe was never run (either disabled by
// configuration or not triggered).
func (a *Aggregator) Summarize(probe PublicProbe) Summary {
	zones := a.Zones()

	a.mu.Lock()
	checks := a.checks
	started := a.started
	a.mu.Unlock()

	var broken int
	for _, z := range zones {
		if z.Status() == "broken" {
			broken++
		}
	}

	s := Summary{
		TotalDNSBLs:   len(zones),
		BrokenDNSBLs:  broken,
		TotalIPChecks: checks,
		Zones:         zones,
	}
	if !started.IsZero() {
		s.ExecutionDurationMS = time.Since(started).Milliseconds()
	}
	if s.BrokenFraction() >= 0.5 {
		s.NetworkIssueDetected = probe.BothUnreachable()
	}
	return s
}

// PrunedZones returns the sorted names of every healthy zone, and the
// sorted names of every broken (removed) zone. If every zone is broken, the
// healthy list is empty and the caller must treat that as a warning
// condition rather than emit it as a replacement configuration (§4.D).
func (s Summary) PrunedZones() (healthy, removed []string) {
	for _, z := range s.Zones {
		if z.Status() == "healthy" {
			healthy = append(healthy, z.Zone)
		} else {
			removed = append(removed, z.Zone)
		}
	}
	sort.Strings(healthy)
	sort.Strings(removed)
	return healthy, removed
}
