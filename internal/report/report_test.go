package report

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/dnsblguard/internal/health"
)

func summaryFixture() health.Summary {
	agg := health.New([]string{"zen.spamhaus.org", "bl.spamcop.net", "dnsbl.sorbs.net"})
	agg.IPCheckStarted()
	agg.Record("zen.spamhaus.org", "NOT_LISTED", "")
	agg.Record("bl.spamcop.net", "LISTED", "")
	agg.Record("dnsbl.sorbs.net", "UNKNOWN", "timeout")
	agg.Record("dnsbl.sorbs.net", "UNKNOWN", "timeout")
	return agg.Summarize(health.PublicProbe{})
}

func TestHealthJSONShape(t *testing.T) {
	sum := summaryFixture()
	generated := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	out, err := HealthJSON(sum, health.PublicProbe{}, generated)
	if err != nil {
		t.Fatalf("HealthJSON: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if _, ok := doc["execution_summary"]; !ok {
		t.Error("missing execution_summary key")
	}
	if _, ok := doc["dnsbl_health"]; !ok {
		t.Error("missing dnsbl_health key")
	}
	if v, ok := doc["network_connectivity"]; !ok || v != nil {
		t.Errorf("expected null network_connectivity when probe disabled, got %v (present=%v)", v, ok)
	}

	execSum := doc["execution_summary"].(map[string]any)
	for _, key := range []string{"timestamp", "total_dnsbls", "broken_dnsbls", "network_issue_detected", "total_ip_checks", "execution_duration_ms"} {
		if _, ok := execSum[key]; !ok {
			t.Errorf("execution_summary missing key %q", key)
		}
	}
	if execSum["total_dnsbls"].(float64) != 3 {
		t.Errorf("total_dnsbls = %v, want 3", execSum["total_dnsbls"])
	}
	if execSum["broken_dnsbls"].(float64) != 1 {
		t.Errorf("broken_dnsbls = %v, want 1", execSum["broken_dnsbls"])
	}

	entries := doc["dnsbl_health"].([]any)
	if len(entries) != 3 {
		t.Fatalf("dnsbl_health len = %d, want 3", len(entries))
	}
	// sorted by zone
	var zones []string
	for _, e := range entries {
		m := e.(map[string]any)
		zones = append(zones, m["zone"].(string))
		for _, key := range []string{"zone", "status", "checks_performed", "successful_checks", "failed_checks", "failure_rate", "failure_types"} {
			if _, ok := m[key]; !ok {
				t.Errorf("dnsbl_health entry missing key %q", key)
			}
		}
	}
	for i := 1; i < len(zones); i++ {
		if zones[i-1] > zones[i] {
			t.Errorf("dnsbl_health not sorted by zone: %v", zones)
		}
	}
}

func TestHealthJSONIncludesNetworkConnectivityWhenProbed(t *testing.T) {
	sum := summaryFixture()
	probe := health.PublicProbe{Enabled: true, CloudflareReachable: true, GoogleReachable: false}
	out, err := HealthJSON(sum, probe, time.Now())
	if err != nil {
		t.Fatalf("HealthJSON: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	conn := doc["network_connectivity"].(map[string]any)
	if conn["check_enabled"] != true {
		t.Error("check_enabled should be true")
	}
	if conn["cloudflare_reachable"] != true {
		t.Error("cloudflare_reachable should be true")
	}
	if conn["google_reachable"] != false {
		t.Error("google_reachable should be false")
	}
}

func TestPrunedYAMLHeaderAndZones(t *testing.T) {
	generated := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	out, err := PrunedYAML([]string{"bl.spamcop.net", "zen.spamhaus.org"}, []string{"dnsbl.sorbs.net"}, generated)
	if err != nil {
		t.Fatalf("PrunedYAML: %v", err)
	}
	text := string(out)
	lines := strings.Split(text, "\n")
	if lines[0] != "# Suggested DNSBL Configuration (Broken endpoints removed)" {
		t.Errorf("unexpected header line 0: %q", lines[0])
	}
	if lines[1] != "# Generated: 2026-08-06T12:00:00Z" {
		t.Errorf("unexpected header line 1: %q", lines[1])
	}
	if lines[2] != "# Removed: dnsbl.sorbs.net" {
		t.Errorf("unexpected header line 2: %q", lines[2])
	}
	if !strings.Contains(text, "dnsbl_zones:") {
		t.Error("missing dnsbl_zones key")
	}
	if !strings.Contains(text, "- bl.spamcop.net") || !strings.Contains(text, "- zen.spamhaus.org") {
		t.Error("missing expected healthy zone entries")
	}
}

func TestPrunedYAMLNoneRemoved(t *testing.T) {
	out, err := PrunedYAML([]string{"zen.spamhaus.org"}, nil, time.Now())
	if err != nil {
		t.Fatalf("PrunedYAML: %v", err)
	}
	if !strings.Contains(string(out), "# Removed: None") {
		t.Errorf("expected 'Removed: None', got:\n%s", out)
	}
}
