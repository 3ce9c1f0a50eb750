// Package metrics has prometheus metric variables/functions for the
// reconciliation job, in the promauto/CounterVec-plus-thin-wrapper style
// of mox's own metrics/auth.go and metrics/http.go.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDNSQuery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsblguard_dns_query_total",
			Help: "DNSBL queries and their classification.",
		},
		[]string{
			"zone",
			"class",   // LISTED, NOT_LISTED, UNKNOWN
			"failure", // "" if class != UNKNOWN, else the failure kind
		},
	)

	metricDNSQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dnsblguard_dns_query_duration_seconds",
			Help:    "Duration of a single DNSBL zone query.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"zone"},
	)

	metricStoreWrite = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsblguard_store_write_total",
			Help: "Throttle-store writes by transition kind and outcome.",
		},
		[]string{
			"kind",   // newlisting, zonechange, cleared
			"result", // applied, noop, error
		},
	)

	metricTrackerRequest = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dnsblguard_tracker_request_duration_seconds",
			Help:    "Issue-tracker HTTP request durations.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 20},
		},
		[]string{
			"operation", // search, create, comment
			"result",    // ok, autherror, error, retriesexhausted
		},
	)

	metricIPsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dnsblguard_ips_processed_total",
			Help: "IP addresses processed to completion across all runs.",
		},
	)

	metricRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dnsblguard_run_duration_seconds",
			Help:    "Wall-clock duration of a full reconciliation run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
)

// DNSQueryInc records the outcome of one zone query.
func DNSQueryInc(zone, class, failure string) {
	metricDNSQuery.WithLabelValues(zone, class, failure).Inc()
}

// DNSQueryDurationObserve records how long one zone query took.
func DNSQueryDurationObserve(zone string, d time.Duration) {
	metricDNSQueryDuration.WithLabelValues(zone).Observe(d.Seconds())
}

// StoreWriteInc records the outcome of one throttle-store write attempt.
func StoreWriteInc(kind, result string) {
	metricStoreWrite.WithLabelValues(kind, result).Inc()
}

// TrackerRequestObserve records how long one tracker operation took and how
// it concluded.
func TrackerRequestObserve(operation, result string, d time.Duration) {
	metricTrackerRequest.WithLabelValues(operation, result).Observe(d.Seconds())
}

// IPProcessedInc counts one IP address processed to completion.
func IPProcessedInc() {
	metricIPsProcessed.Inc()
}

// RunDurationObserve records the wall-clock duration of a full run.
func RunDurationObserve(d time.Duration) {
	metricRunDuration.Observe(d.Seconds())
}
