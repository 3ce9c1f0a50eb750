// Package report renders the end-of-run health summary and pruned-zone
// artefact described in §6/§8, in the exact shape the original Python
// implementation used (src/models/dnsbl_health.py, src/services/
// health_reporter.py): a sorted-keys JSON health report and a YAML pruned
// configuration with a human-readable header.
package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mjl-/dnsblguard/internal/health"
)

type executionSummary struct {
	BrokenDNSBLs         int    `json:"broken_dnsbls"`
	ExecutionDurationMS  int64  `json:"execution_duration_ms"`
	NetworkIssueDetected bool   `json:"network_issue_detected"`
	Timestamp            string `json:"timestamp"`
	TotalDNSBLs          int    `json:"total_dnsbls"`
	TotalIPChecks        int    `json:"total_ip_checks"`
}

type dnsblHealthEntry struct {
	ChecksPerformed  int            `json:"checks_performed"`
	FailedChecks     int            `json:"failed_checks"`
	FailureRate      float64        `json:"failure_rate"`
	FailureTypes     map[string]int `json:"failure_types"`
	Status           string         `json:"status"`
	SuccessfulChecks int            `json:"successful_checks"`
	Zone             string         `json:"zone"`
}

type networkConnectivity struct {
	CheckEnabled        bool  `json:"check_enabled"`
	CloudflareReachable *bool `json:"cloudflare_reachable"`
	GoogleReachable     *bool `json:"google_reachable"`
}

type healthReport struct {
	ExecutionSummary    executionSummary     `json:"execution_summary"`
	DNSBLHealth         []dnsblHealthEntry   `json:"dnsbl_health"`
	NetworkConnectivity *networkConnectivity `json:"network_connectivity"`
}

// HealthJSON renders sum as the pretty-printed, sorted-key JSON document
// matching the original's health-summary-schema.json: an
// "execution_summary" object, a "dnsbl_health" array sorted by zone, and a
// "network_connectivity" object (null if the probe never ran).
func HealthJSON(sum health.Summary, probe health.PublicProbe, generatedAt time.Time) ([]byte, error) {
	entries := make([]dnsblHealthEntry, 0, len(sum.Zones))
	for _, z := range sum.Zones {
		entries = append(entries, dnsblHealthEntry{
			Zone:             z.Zone,
			Status:           z.Status(),
			ChecksPerformed:  z.Checks,
			SuccessfulChecks: z.Successes,
			FailedChecks:     z.Failures,
			FailureRate:      z.FailureRate(),
			FailureTypes:     z.FailuresByKind,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Zone < entries[j].Zone })

	var conn *networkConnectivity
	if probe.Enabled {
		cf, gg := probe.CloudflareReachable, probe.GoogleReachable
		conn = &networkConnectivity{CheckEnabled: true, CloudflareReachable: &cf, GoogleReachable: &gg}
	}

	report := healthReport{
		ExecutionSummary: executionSummary{
			Timestamp:            generatedAt.UTC().Format(time.RFC3339),
			TotalDNSBLs:          sum.TotalDNSBLs,
			BrokenDNSBLs:         sum.BrokenDNSBLs,
			NetworkIssueDetected: sum.NetworkIssueDetected,
			TotalIPChecks:        sum.TotalIPChecks,
			ExecutionDurationMS:  sum.ExecutionDurationMS,
		},
		DNSBLHealth:         entries,
		NetworkConnectivity: conn,
	}

	// json.MarshalIndent emits struct fields in declaration order, and every
	// struct above declares its fields in ascending JSON-key order, so keys
	// come out sorted at every level, as in the original's sort_keys=True
	// output; encoding/json sorts the failure_types map keys itself.
	return json.MarshalIndent(report, "", "  ")
}

// PrunedYAML renders the suggested configuration with broken zones removed,
// matching PrunedConfiguration.to_yaml: three header comment lines followed
// by a "dnsbl_zones:" list of the healthy, sorted zone names.
func PrunedYAML(healthyZones, removedZones []string, generatedAt time.Time) ([]byte, error) {
	removedStr := "None"
	if len(removedZones) > 0 {
		sorted := append([]string(nil), removedZones...)
		sort.Strings(sorted)
		removedStr = strings.Join(sorted, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Suggested DNSBL Configuration (Broken endpoints removed)\n")
	fmt.Fprintf(&b, "# Generated: %s\n", generatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "# Removed: %s\n", removedStr)

	sorted := append([]string(nil), healthyZones...)
	sort.Strings(sorted)
	doc := struct {
		DNSBLZones []string `yaml:"dnsbl_zones"`
	}{DNSBLZones: sorted}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("report: marshal pruned yaml: %w", err)
	}
	b.Write(out)
	return []byte(b.String()), nil
}
