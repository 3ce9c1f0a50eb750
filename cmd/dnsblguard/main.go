// Command dnsblguard runs the scheduled, stateless DNSBL reconciliation job:
// for every IP address in the throttle store, check it against the
// configured DNSBL zones, update the store's priority and blocking-list
// columns accordingly, and file or update issue-tracker tickets for
// listing transitions.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mjl-/dnsblguard/internal/config"
	"github.com/mjl-/dnsblguard/internal/dnsbl"
	"github.com/mjl-/dnsblguard/internal/report"
	"github.com/mjl-/dnsblguard/internal/run"
	"github.com/mjl-/dnsblguard/internal/throttle"
	"github.com/mjl-/dnsblguard/internal/tracker"
	"github.com/mjl-/dnsblguard/mlog"
)

var xlog = mlog.New("dnsblguard")

func usage() {
	fmt.Fprintln(os.Stderr, `usage: dnsblguard [flags] run
       dnsblguard [flags] check-config`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.SetFlags(0)

	var loglevel string
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")
	flag.BoolVar(&mlog.Logfmt, "logfmt", false, "log in logfmt instead of the default human-readable format")
	flag.Usage = usage
	flag.Parse()

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	level, ok := mlog.Levels[ll]
	if !ok {
		log.Fatalf("unknown loglevel %q", loglevel)
	}
	mlog.SetConfig(map[string]mlog.Level{"": level})

	args := flag.Args()
	if len(args) != 1 {
		usage()
	}

	switch args[0] {
	case "check-config":
		cmdCheckConfig()
	case "run":
		cmdRun()
	default:
		usage()
	}
}

// cmdCheckConfig validates the environment and exits 0 or 2, per its own
// documented contract, never through xlog.Fatalx's exit(1).
func cmdCheckConfig() {
	cfg, err := config.FromEnv()
	if err != nil {
		xlog.Error("configuration is invalid", mlog.Field("err", err.Error()))
		os.Exit(2)
	}
	xlog.Print("configuration is valid",
		mlog.Field("zones", len(cfg.DNSBLZones)),
		mlog.Field("dryRun", cfg.DryRun),
		mlog.Field("trackerProject", cfg.TrackerProject))
}

func cmdRun() {
	cfg, err := config.FromEnv()
	if err != nil {
		xlog.Fatalx("loading configuration", err)
	}
	if cfg.Verbose {
		mlog.SetConfig(map[string]mlog.Level{"": mlog.LevelDebug})
	}

	ctx := context.Background()
	if cfg.MaxExecutionTimeSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.MaxExecutionTimeSecs)*time.Second)
		defer cancel()
	}

	resolver, err := dnsbl.NewSystemResolver()
	if err != nil {
		xlog.Fatalx("initializing resolver", err)
	}

	store, err := throttle.Open(ctx, cfg.DSN())
	if err != nil {
		xlog.Fatalx("opening throttle store", err)
	}
	defer store.Close()

	trackerClient := tracker.NewHTTPClient(tracker.Config{
		BaseURL:             cfg.TrackerBaseURL,
		Project:             cfg.TrackerProject,
		IssueType:           cfg.TrackerIssueType,
		DNSFailureIssueType: cfg.TrackerDNSFailureIssueType,
		Username:            cfg.TrackerUser,
		APIToken:            cfg.TrackerAPIToken,
		ExcludedStatuses:    cfg.TrackerExcludedStatuses,
	})

	r := &run.Runner{
		Zones:  cfg.DNSBLZones,
		Config: cfg,
	}

	if cfg.DryRun {
		r.Store = run.DryRunStore{Inner: store}
		r.Tracker = tracker.DryRunClient{}
		xlog.Print("dry-run mode: no store or tracker writes will be made")
	} else {
		r.Store = store
		r.Tracker = trackerClient
	}

	// Health is recorded by the runner itself from each Answer, not by the
	// checker, so no HealthRecorder is wired in here (see internal/run).
	r.Checker = dnsbl.NewChecker(resolver, cfg.DNSConcurrency, time.Duration(cfg.DNSTimeoutSecs)*time.Second, nil)

	// §6 asks for one structured JSON record per line as each IP is
	// processed, not a batch dump after the loop.
	r.OnRecord = func(rec run.IPRecord) { emitJSONLine(rec) }

	sum, err := r.Run(ctx)
	if err != nil && !errors.Is(err, run.ErrDeadline) {
		xlog.Fatalx("run failed", err)
	}
	if errors.Is(err, run.ErrDeadline) {
		xlog.Error("run cut short by execution deadline", mlog.Field("ipsProcessed", sum.IPsProcessed), mlog.Field("ipsSkipped", sum.IPsSkipped))
		os.Exit(1)
	}

	xlog.Print("run finished",
		mlog.Field("ipsProcessed", sum.IPsProcessed),
		mlog.Field("durationMS", sum.ExecutionDurationMS),
		mlog.Field("brokenDNSBLs", sum.Health.BrokenDNSBLs),
		mlog.Field("totalDNSBLs", sum.Health.TotalDNSBLs))

	emitJSONLine(sum.SummaryRecord())
	emitReports(sum)
}

// emitJSONLine writes v to stdout as a single line of JSON, the wire format
// §6 asks for both the per-IP records and the final summary record.
func emitJSONLine(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		xlog.Errorx("marshaling json line", err)
		return
	}
	fmt.Println(string(b))
}

// emitReports writes the two end-of-run artefacts (§4.D, §8) to stdout: the
// JSON health report, and, if any zone is broken, the suggested pruned-zone
// YAML. Both are logged rather than fatal on error, since a report-rendering
// failure should never mask a run that otherwise completed.
func emitReports(sum run.Summary) {
	healthJSON, err := report.HealthJSON(sum.Health, sum.Probe, time.Now())
	if err != nil {
		xlog.Errorx("rendering health report", err)
	} else {
		fmt.Println(string(healthJSON))
	}

	if len(sum.RemovedZones) == 0 {
		return
	}
	if len(sum.HealthyZones) == 0 {
		xlog.Error("every configured dnsbl is broken; withholding pruned-zone artefact",
			mlog.Field("removedZones", sum.RemovedZones))
		return
	}
	prunedYAML, err := report.PrunedYAML(sum.HealthyZones, sum.RemovedZones, time.Now())
	if err != nil {
		xlog.Errorx("rendering pruned-zone artefact", err)
		return
	}
	fmt.Println(string(prunedYAML))
}
