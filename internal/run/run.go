// Package run wires the DNSBL fan-out checker, health aggregator,
// transition engine, throttle-store writer, ticket dedup, and supplemental
// probe into the sequential per-IP run orchestrator of §4.H /§5.
package run

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mjl-/dnsblguard/internal/config"
	"github.com/mjl-/dnsblguard/internal/dnsbl"
	"github.com/mjl-/dnsblguard/internal/health"
	"github.com/mjl-/dnsblguard/internal/metrics"
	"github.com/mjl-/dnsblguard/internal/probe"
	"github.com/mjl-/dnsblguard/internal/reconcile"
	"github.com/mjl-/dnsblguard/internal/throttle"
	"github.com/mjl-/dnsblguard/internal/tracker"
	"github.com/mjl-/dnsblguard/mlog"
)

var xlog = mlog.New("run")

// ErrDeadline marks a run cut short by MAX_EXECUTION_TIME (§6, §7).
var ErrDeadline = errors.New("run: execution deadline exceeded")

// networkIssueThreshold is the broken-fraction that triggers the
// supplemental probe (§4.D).
const networkIssueThreshold = 0.5

// Store is the subset of throttle.Store the orchestrator depends on.
// *throttle.Store satisfies it directly; tests supply an in-memory fake.
type Store interface {
	AllIPs(ctx context.Context) ([]throttle.Row, error)
	throttle.Writer
}

// lister is the read side of Store, factored out so DryRunStore can wrap
// any concrete Store's AllIPs while swapping in throttle.DryRunWriter for
// every write.
type lister interface {
	AllIPs(ctx context.Context) ([]throttle.Row, error)
}

// DryRunStore reads real rows from Inner but logs, rather than performs,
// every write (§6 dry-run mode).
type DryRunStore struct {
	Inner lister
	throttle.DryRunWriter
}

func (d DryRunStore) AllIPs(ctx context.Context) ([]throttle.Row, error) { return d.Inner.AllIPs(ctx) }

// Checker is the subset of dnsbl.Checker the orchestrator depends on.
type Checker interface {
	Check(ctx context.Context, ip string, zones []string) map[string]dnsbl.Answer
}

// ProbeFunc runs the supplemental public-resolver probe. Defaults to
// probe.Run; overridable in tests.
type ProbeFunc func(ctx context.Context) health.PublicProbe

// Runner executes one reconciliation run over every row in Store.
type Runner struct {
	Store   Store
	Tracker tracker.Client
	Checker Checker
	Zones   []string
	Config  config.Config
	Probe   ProbeFunc // nil uses probe.Run

	// OnRecord, if set, is called synchronously with each IPRecord as it is
	// produced, so a caller can emit it as its own line before the run
	// completes (§6: "one record per line" as each IP is processed).
	OnRecord func(IPRecord)
}

// IPRecord is the per-IP structured record described in §6: ip, the zones
// it is LISTED/UNKNOWN on, its resulting aggregate state, whether the
// throttle store was written, the tracker action taken, and duration.
type IPRecord struct {
	Timestamp       string   `json:"timestamp"`
	IP              string   `json:"ip"`
	ListedZones     []string `json:"listed_zones"`
	UnknownZones    []string `json:"unknown_zones"`
	Decision        string   `json:"decision"` // CLEAN or LISTED
	DBChanges       bool     `json:"db_changes"`
	TrackerAction   string   `json:"tracker_action"` // create, comment, or none
	DurationMS      int64    `json:"duration_ms"`
	TrackerIssueKey string   `json:"tracker_issue_key,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// DecisionClean and DecisionListed are the two values IPRecord.Decision
// takes, per §4.C: an IP is LISTED iff at least one zone returned LISTED.
const (
	DecisionClean  = "CLEAN"
	DecisionListed = "LISTED"
)

// Tracker action values for IPRecord.TrackerAction, per §6.
const (
	TrackerActionCreate  = "create"
	TrackerActionComment = "comment"
	TrackerActionNone    = "none"
)

// SummaryRecord is the final job-level rollup described in §6, distinct
// from Summary (this run's caller-facing return value) so the exact set of
// externally emitted keys is explicit and stable.
type SummaryRecord struct {
	TotalIPs       int     `json:"total_ips"`
	Listed         int     `json:"listed"`
	Cleared        int     `json:"cleared"`
	Unchanged      int     `json:"unchanged"`
	TrackerCreated int     `json:"tracker_created"`
	TrackerUpdated int     `json:"tracker_updated"`
	DNSFailures    int     `json:"dns_failures"`
	DurationSec    float64 `json:"duration_sec"`
}

// Summary is the final run-level rollup returned to the caller and emitted
// as the run's summary artefact.
type Summary struct {
	Health              health.Summary
	Probe               health.PublicProbe
	IPsProcessed        int
	IPsSkipped          int
	Records             []IPRecord
	HealthyZones        []string
	RemovedZones        []string
	MassFailureAlerted  bool
	MassFailureIssueKey string
	ExecutionDurationMS int64

	Listed         int
	Cleared        int
	Unchanged      int
	TrackerCreated int
	TrackerUpdated int
	DNSFailures    int
}

// SummaryRecord derives the §6 final summary record from this Summary.
func (s Summary) SummaryRecord() SummaryRecord {
	return SummaryRecord{
		TotalIPs:       s.IPsProcessed,
		Listed:         s.Listed,
		Cleared:        s.Cleared,
		Unchanged:      s.Unchanged,
		TrackerCreated: s.TrackerCreated,
		TrackerUpdated: s.TrackerUpdated,
		DNSFailures:    s.DNSFailures,
		DurationSec:    float64(s.ExecutionDurationMS) / 1000,
	}
}

// Run processes every row from the store in order, applying the DNSBL
// fan-out, the transition engine, and the throttle/tracker writes for each,
// then computes and returns the run's health summary.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	agg := health.New(r.Zones)

	var deadline <-chan time.Time
	if r.Config.MaxExecutionTimeSecs > 0 {
		timer := time.NewTimer(time.Duration(r.Config.MaxExecutionTimeSecs) * time.Second)
		defer timer.Stop()
		deadline = timer.C
	}

	rows, err := r.Store.AllIPs(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("run: listing ip addresses: %w", err)
	}

	var sum Summary
	var runErr error

ipLoop:
	for _, row := range rows {
		select {
		case <-deadline:
			runErr = ErrDeadline
			sum.IPsSkipped = len(rows) - sum.IPsProcessed
			break ipLoop
		case <-ctx.Done():
			runErr = ctx.Err()
			if errors.Is(runErr, context.DeadlineExceeded) {
				runErr = ErrDeadline
			}
			sum.IPsSkipped = len(rows) - sum.IPsProcessed
			break ipLoop
		default:
		}

		rec, kind, fatalErr := r.processIP(ctx, agg, row)
		r.tallyRecord(&sum, rec, kind)
		sum.Records = append(sum.Records, rec)
		sum.IPsProcessed++
		metrics.IPProcessedInc()
		if r.OnRecord != nil {
			r.OnRecord(rec)
		}
		if fatalErr != nil {
			// TrackerAuth and exhausted-retries are fatal per §7: abort the
			// loop, flush whatever summary was accumulated so far, and
			// surface the error so main exits non-zero (§6's exit-code
			// table lists both explicitly).
			runErr = fatalErr
			sum.IPsSkipped = len(rows) - sum.IPsProcessed
			break ipLoop
		}
	}

	probeFn := r.Probe
	if probeFn == nil {
		probeFn = probe.Run
	}

	var pp health.PublicProbe
	provisional := agg.Summarize(health.PublicProbe{})
	if r.Config.EnableNetworkConnectivityCheck && provisional.BrokenFraction() >= networkIssueThreshold {
		pp = probeFn(ctx)
	}
	sum.Probe = pp
	sum.Health = agg.Summarize(pp)
	sum.HealthyZones, sum.RemovedZones = sum.Health.PrunedZones()
	sum.ExecutionDurationMS = time.Since(start).Milliseconds()
	metrics.RunDurationObserve(time.Since(start))

	if sum.Health.NetworkIssueDetected {
		alerted, key, alertErr := r.alertMassFailure(ctx, sum.Health)
		sum.MassFailureAlerted = alerted
		sum.MassFailureIssueKey = key
		if alertErr != nil {
			xlog.Errorx("mass dns failure alert failed", alertErr)
			if runErr == nil && (errors.Is(alertErr, tracker.ErrAuth) || errors.Is(alertErr, tracker.ErrRetriesExhausted)) {
				runErr = alertErr
			}
		}
	}

	xlog.Info("run complete",
		mlog.Field("ipsProcessed", sum.IPsProcessed),
		mlog.Field("ipsSkipped", sum.IPsSkipped),
		mlog.Field("brokenDNSBLs", sum.Health.BrokenDNSBLs),
		mlog.Field("totalDNSBLs", sum.Health.TotalDNSBLs),
		mlog.Field("networkIssueDetected", sum.Health.NetworkIssueDetected),
		mlog.Field("durationMS", sum.ExecutionDurationMS))

	return sum, runErr
}

// processIP returns the produced record and the transition kind that drove
// it, plus a non-nil error only when that error is fatal to the run (§7
// TrackerAuth/TrackerTransient-exhausted); any other failure along the way
// is folded into rec.Error and does not stop the run.
func (r *Runner) processIP(ctx context.Context, agg *health.Aggregator, row throttle.Row) (IPRecord, reconcile.Kind, error) {
	ipStart := time.Now()
	agg.IPCheckStarted()

	rec := IPRecord{Timestamp: ipStart.UTC().Format(time.RFC3339), IP: row.IP}

	// Recorded here, from the returned Answers, rather than by wiring agg as
	// the Checker's dnsbl.HealthRecorder: agg is per-Run and freshly built,
	// while a Checker (real or fake) may be constructed once and reused
	// across runs, so the checker itself stays unaware of it.
	answers := r.Checker.Check(ctx, row.IP, r.Zones)
	for _, a := range answers {
		metrics.DNSQueryInc(a.Zone, string(a.Classification), string(a.Failure))
		agg.Record(a.Zone, a.Classification, a.Failure)
	}
	rec.ListedZones = dnsbl.ListedZones(answers)
	rec.UnknownZones = dnsbl.UnknownZones(answers)
	notListedZones := dnsbl.NotListedZones(answers)

	// The record's decision is the IP's resulting aggregate state (§4.C),
	// not the transition kind driving the write below.
	if len(rec.ListedZones) > 0 {
		rec.Decision = DecisionListed
	} else {
		rec.Decision = DecisionClean
	}

	decision := reconcile.Decide(row.BlockingLists, rec.ListedZones)

	before := row.BlockingLists
	after := before
	applied, err := r.applyDecision(ctx, row, decision)
	rec.DBChanges = applied
	if err != nil {
		rec.Error = err.Error()
		xlog.Errorx("applying decision failed", err, mlog.Field("ip", row.IP), mlog.Field("decision", rec.Decision))
	} else if decision.Kind != reconcile.NoOp {
		after = reconcile.Canonical(decision.Zones)
	}

	report := zoneReport{ip: row.IP, listed: rec.ListedZones, notListed: notListedZones, unknown: rec.UnknownZones}
	action, issueKey, err := r.dispatchTracker(ctx, report, decision, before, after)
	rec.TrackerAction = action
	rec.TrackerIssueKey = issueKey
	var fatalErr error
	if err != nil {
		if rec.Error == "" {
			rec.Error = err.Error()
		}
		if errors.Is(err, tracker.ErrAuth) || errors.Is(err, tracker.ErrRetriesExhausted) {
			fatalErr = err
			xlog.Errorx("tracker dispatch failed fatally", err, mlog.Field("ip", row.IP), mlog.Field("decision", rec.Decision))
		} else {
			xlog.Errorx("tracker dispatch failed", err, mlog.Field("ip", row.IP), mlog.Field("decision", rec.Decision))
		}
	}

	rec.DurationMS = time.Since(ipStart).Milliseconds()
	return rec, decision.Kind, fatalErr
}

// tallyRecord folds one IP's outcome into the run-level counters behind
// SummaryRecord.
func (r *Runner) tallyRecord(sum *Summary, rec IPRecord, kind reconcile.Kind) {
	switch kind {
	case reconcile.NoOp:
		sum.Unchanged++
	case reconcile.NewListing, reconcile.ZoneChange:
		sum.Listed++
	case reconcile.Cleared:
		sum.Cleared++
	}
	switch rec.TrackerAction {
	case TrackerActionCreate:
		sum.TrackerCreated++
	case TrackerActionComment:
		sum.TrackerUpdated++
	}
	sum.DNSFailures += len(rec.UnknownZones)
}

// applyDecision returns whether a write was actually applied to the store
// (false for NoOp and for a guard-clause conflict), alongside any error.
func (r *Runner) applyDecision(ctx context.Context, row throttle.Row, decision reconcile.Decision) (bool, error) {
	var (
		err  error
		kind string
	)
	switch decision.Kind {
	case reconcile.NoOp:
		return false, nil
	case reconcile.NewListing:
		kind = "newlisting"
		err = r.Store.NewListing(ctx, row.ID, row.Priority, decision.Zones, r.Config.ListedPriority)
	case reconcile.ZoneChange:
		kind = "zonechange"
		err = r.Store.ZoneChange(ctx, row.ID, decision.Zones)
	case reconcile.Cleared:
		kind = "cleared"
		err = r.Store.Cleared(ctx, row.ID, row.OldPriority, r.Config.CleanFallbackPriority)
	}
	if errors.Is(err, throttle.ErrConflict) {
		// Another writer already applied the same canonical state; this is
		// the idempotence guard succeeding, not a failure (§4.F).
		metrics.StoreWriteInc(kind, "noop")
		return false, nil
	}
	if err != nil {
		metrics.StoreWriteInc(kind, "error")
		return false, fmt.Errorf("throttle write: %w", err)
	}
	metrics.StoreWriteInc(kind, "applied")
	return true, nil
}

// zoneReport is the full per-zone classification for one IP, carried into
// dispatchTracker so a newly-created ticket's description can report all
// three sets rather than just the zones driving the transition (§4.G: "a
// description carrying the full per-zone report").
type zoneReport struct {
	ip        string
	listed    []string
	notListed []string
	unknown   []string
}

func noneOr(zones []string) string {
	if len(zones) == 0 {
		return "(none)"
	}
	return strings.Join(zones, ",")
}

// describe renders the full LISTED/NOT_LISTED/UNKNOWN report for a
// newly-filed ticket.
func (z zoneReport) describe(summary string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", summary)
	fmt.Fprintf(&b, "LISTED: %s\n", noneOr(z.listed))
	fmt.Fprintf(&b, "NOT_LISTED: %s\n", noneOr(z.notListed))
	fmt.Fprintf(&b, "UNKNOWN: %s\n", noneOr(z.unknown))
	return b.String()
}

// dispatchTracker files or updates a ticket per §4.G, deduplicating purely
// through the tracker's own JQL search. It never consults local state. The
// returned action is always one of TrackerActionCreate/Comment/None; a
// dispatch failure is reported through the returned error, not the action
// (the caller folds it into IPRecord.Error instead).
func (r *Runner) dispatchTracker(ctx context.Context, report zoneReport, decision reconcile.Decision, before, after string) (action, issueKey string, err error) {
	ip := report.ip
	if decision.Kind == reconcile.NoOp {
		return TrackerActionNone, "", nil
	}

	existing, findErr := r.Tracker.FindOpenIssue(ctx, ip)
	if findErr != nil {
		return TrackerActionNone, "", fmt.Errorf("finding open issue: %w", findErr)
	}

	switch decision.Kind {
	case reconcile.NewListing:
		if existing != nil {
			comment := fmt.Sprintf("Re-listed on %s", reconcile.Canonical(decision.Zones))
			if err := r.Tracker.AddComment(ctx, existing.Key, comment); err != nil {
				return TrackerActionNone, existing.Key, fmt.Errorf("commenting on %s: %w", existing.Key, err)
			}
			return TrackerActionComment, existing.Key, nil
		}
		desc := report.describe(fmt.Sprintf("IP %s is newly blacklisted by: %s", ip, reconcile.Canonical(decision.Zones)))
		key, err := r.Tracker.CreateIssue(ctx, ip, decision.Zones, desc)
		if err != nil {
			return TrackerActionNone, "", fmt.Errorf("creating issue: %w", err)
		}
		return TrackerActionCreate, key, nil

	case reconcile.ZoneChange:
		added, removed := reconcile.Delta(before, after)
		comment := fmt.Sprintf("Blocking list changed. Added: %v. Removed: %v. Now listed by: %s", added, removed, after)
		if existing != nil {
			if err := r.Tracker.AddComment(ctx, existing.Key, comment); err != nil {
				return TrackerActionNone, existing.Key, fmt.Errorf("commenting on %s: %w", existing.Key, err)
			}
			return TrackerActionComment, existing.Key, nil
		}
		key, err := r.Tracker.CreateIssue(ctx, ip, decision.Zones, report.describe(comment))
		if err != nil {
			return TrackerActionNone, "", fmt.Errorf("creating issue: %w", err)
		}
		return TrackerActionCreate, key, nil

	case reconcile.Cleared:
		if existing == nil {
			return TrackerActionNone, "", nil
		}
		if err := r.Tracker.AddComment(ctx, existing.Key, "IP is no longer listed on any monitored DNSBL."); err != nil {
			return TrackerActionNone, existing.Key, fmt.Errorf("commenting on %s: %w", existing.Key, err)
		}
		return TrackerActionComment, existing.Key, nil
	}
	return TrackerActionNone, "", nil
}

// alertMassFailure files (or, per calendar day, avoids re-filing) the
// major-malfunction ticket for widespread DNS failure (§4.D/§4.G).
func (r *Runner) alertMassFailure(ctx context.Context, h health.Summary) (bool, string, error) {
	day := time.Now().UTC().Format("2006-01-02")
	existing, err := r.Tracker.FindOpenDNSFailureIssueToday(ctx, day)
	if err != nil {
		return false, "", fmt.Errorf("checking for existing dns failure issue: %w", err)
	}
	if existing != nil {
		xlog.Info("dns failure already alerted today", mlog.Field("key", existing.Key))
		return false, existing.Key, nil
	}

	var failed []tracker.ZoneFailureReport
	for _, z := range h.Zones {
		if z.Status() == "broken" {
			failed = append(failed, tracker.ZoneFailureReport{Zone: z.Zone, FailuresByKind: z.FailuresByKind})
		}
	}
	pct := h.BrokenFraction() * 100
	key, err := r.Tracker.CreateDNSFailureIssue(ctx, pct, failed)
	if err != nil {
		return false, "", fmt.Errorf("creating dns failure issue: %w", err)
	}
	return true, key, nil
}
