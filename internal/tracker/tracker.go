// Package tracker files and updates issue-tracker tickets for DNSBL
// listing transitions (§4.G). It talks to a Jira-shaped REST API: issues
// are found by JQL search rather than any local IP-to-ticket mapping, so
// the tracker itself carries no state across runs.
//
// Grounded on the original's src/services/jira_client.py for the JQL shape
// and the three issue operations, src/utils/retry.py for the fixed
// 2s/4s/8s backoff schedule, and gekok-proxy-stability-test's
// internal/reporter/api_reporter.go for doing this over plain net/http
// with a structured logger rather than a REST client library.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mjl-/dnsblguard/internal/metrics"
	"github.com/mjl-/dnsblguard/internal/reconcile"
	"github.com/mjl-/dnsblguard/mlog"
)

var xlog = mlog.New("tracker")

// ErrAuth marks an authentication or authorization failure (HTTP 401/403):
// never retried (§4.G, §7 TrackerAuthFailed).
var ErrAuth = errors.New("tracker: authentication failed")

// ErrRetriesExhausted marks a transient failure that did not clear within
// the fixed retry budget (§4.G, §7 TrackerUnavailable).
var ErrRetriesExhausted = errors.New("tracker: retries exhausted")

// backoff is the fixed retry schedule from the original: three retries
// after the first attempt, cumulative wait 2+4+8=14s.
var backoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// Issue is the subset of an issue-tracker ticket the reconciliation job
// needs.
type Issue struct {
	Key     string
	Summary string
	Status  string
}

// Client is the interface internal/run depends on. HTTPClient and
// DryRunClient both satisfy it, the same seam throttle.Writer uses for its
// own dry-run mode.
type Client interface {
	FindOpenIssue(ctx context.Context, ip string) (*Issue, error)
	CreateIssue(ctx context.Context, ip string, zones []string, description string) (string, error)
	AddComment(ctx context.Context, issueKey, comment string) error
	CreateDNSFailureIssue(ctx context.Context, unknownPercentage float64, failedZones []ZoneFailureReport) (string, error)
	FindOpenDNSFailureIssueToday(ctx context.Context, day string) (*Issue, error)
}

// ZoneFailureReport is one broken zone's failure-kind breakdown, carried
// into CreateDNSFailureIssue so the mass-failure ticket can report "the
// full zone/failure-kind report" per §4.G, not just a bare zone-name list.
type ZoneFailureReport struct {
	Zone           string
	FailuresByKind map[string]int
}

// Config holds the connection details for an HTTPClient.
type Config struct {
	BaseURL             string // e.g. https://tracker.example.com
	Project             string
	IssueType           string
	DNSFailureIssueType string
	Username            string
	APIToken            string
	ExcludedStatuses    []string
	HTTP                *http.Client
}

// HTTPClient is the real, network-backed Client implementation.
type HTTPClient struct {
	cfg Config
}

func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{cfg: cfg}
}

var (
	_ Client = (*HTTPClient)(nil)
	_ Client = (*DryRunClient)(nil)
)

type searchResult struct {
	Issues []struct {
		Key    string `json:"key"`
		Fields struct {
			Summary string `json:"summary"`
			Created string `json:"created"`
			Status  struct {
				Name string `json:"name"`
			} `json:"status"`
		} `json:"fields"`
	} `json:"issues"`
}

// FindOpenIssue searches for an open issue mentioning ip, per §4.G's JQL
// deduplication rule. It never consults any local mapping.
func (c *HTTPClient) FindOpenIssue(ctx context.Context, ip string) (*Issue, error) {
	jql := c.excludeStatusesJQL() + fmt.Sprintf(` AND summary ~ "IP %s"`, ip)
	return c.searchOne(ctx, jql, "find open issue for ip "+ip)
}

// FindOpenDNSFailureIssueToday searches for a mass-DNS-failure alert
// already filed today (day is "2006-01-02"), implementing the per-calendar-
// day deduplication of §4.G without any local record of prior alerts.
func (c *HTTPClient) FindOpenDNSFailureIssueToday(ctx context.Context, day string) (*Issue, error) {
	jql := c.excludeStatusesJQL() + fmt.Sprintf(` AND summary ~ "DNS Infrastructure Failure" AND created >= "%s"`, day)
	return c.searchOne(ctx, jql, "find dns failure issue for "+day)
}

func (c *HTTPClient) excludeStatusesJQL() string {
	quoted := make([]string, len(c.cfg.ExcludedStatuses))
	for i, s := range c.cfg.ExcludedStatuses {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf(`project = %q AND status NOT IN (%s)`, c.cfg.Project, strings.Join(quoted, ","))
}

func (c *HTTPClient) searchOne(ctx context.Context, jql, opDescription string) (*Issue, error) {
	body, err := json.Marshal(map[string]any{"jql": jql, "maxResults": 10})
	if err != nil {
		return nil, fmt.Errorf("tracker: marshal search request: %w", err)
	}
	var result searchResult
	if err := c.doWithRetry(ctx, "search", http.MethodPost, "/rest/api/2/search", body, &result); err != nil {
		return nil, fmt.Errorf("tracker: %s: %w", opDescription, err)
	}
	if len(result.Issues) == 0 {
		return nil, nil
	}
	if len(result.Issues) > 1 {
		// Multiple open issues for the same IP means a human intervened
		// out of band. Use the most recently created and warn.
		xlog.Error("multiple open issues found, using most recent", mlog.Field("count", len(result.Issues)))
		sort.Slice(result.Issues, func(i, j int) bool {
			return result.Issues[i].Fields.Created > result.Issues[j].Fields.Created
		})
	}
	top := result.Issues[0]
	return &Issue{Key: top.Key, Summary: top.Fields.Summary, Status: top.Fields.Status.Name}, nil
}

// CreateIssue files a new ticket for ip listed on zones, per §4.G.
func (c *HTTPClient) CreateIssue(ctx context.Context, ip string, zones []string, description string) (string, error) {
	summary := fmt.Sprintf("IP %s blacklisted by %s", ip, reconcile.Canonical(zones))
	fields := map[string]any{
		"project":     map[string]string{"key": c.cfg.Project},
		"summary":     summary,
		"description": description,
		"issuetype":   map[string]string{"name": c.cfg.IssueType},
	}
	key, err := c.createIssue(ctx, fields)
	if err != nil {
		return "", fmt.Errorf("tracker: create issue for %s: %w", ip, err)
	}
	xlog.Info("created issue", mlog.Field("key", key), mlog.Field("ip", ip))
	return key, nil
}

// CreateDNSFailureIssue files the mass-DNS-failure alert of §4.D/§4.G. The
// description carries each broken zone's full failure-kind breakdown, not
// just its name.
func (c *HTTPClient) CreateDNSFailureIssue(ctx context.Context, unknownPercentage float64, failedZones []ZoneFailureReport) (string, error) {
	summary := fmt.Sprintf("DNS Infrastructure Failure Detected - %.1f%% zones unreachable", unknownPercentage)
	var b strings.Builder
	fmt.Fprintf(&b, "MAJOR MALFUNCTION: %.1f%% of DNSBL zones returned UNKNOWN.\n\nFailed zones:\n", unknownPercentage)
	for _, z := range failedZones {
		fmt.Fprintf(&b, "- %s: ", z.Zone)
		if len(z.FailuresByKind) == 0 {
			fmt.Fprintf(&b, "(no failures recorded)\n")
			continue
		}
		kinds := make([]string, 0, len(z.FailuresByKind))
		for k := range z.FailuresByKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		parts := make([]string, len(kinds))
		for i, k := range kinds {
			parts[i] = fmt.Sprintf("%s=%d", k, z.FailuresByKind[k])
		}
		fmt.Fprintf(&b, "%s\n", strings.Join(parts, ", "))
	}
	fields := map[string]any{
		"project":     map[string]string{"key": c.cfg.Project},
		"summary":     summary,
		"description": b.String(),
		"issuetype":   map[string]string{"name": c.cfg.DNSFailureIssueType},
		"labels":      []string{"MAJOR MALFUNCTION"},
	}
	key, err := c.createIssue(ctx, fields)
	if err != nil {
		return "", fmt.Errorf("tracker: create dns failure issue: %w", err)
	}
	xlog.Error("created dns failure issue", mlog.Field("key", key), mlog.Field("unknownPercentage", unknownPercentage))
	return key, nil
}

func (c *HTTPClient) createIssue(ctx context.Context, fields map[string]any) (string, error) {
	body, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return "", fmt.Errorf("marshal issue: %w", err)
	}
	var created struct {
		Key string `json:"key"`
	}
	if err := c.doWithRetry(ctx, "create", http.MethodPost, "/rest/api/2/issue", body, &created); err != nil {
		return "", err
	}
	return created.Key, nil
}

// AddComment appends a comment to an existing issue, per §4.G.
func (c *HTTPClient) AddComment(ctx context.Context, issueKey, comment string) error {
	body, err := json.Marshal(map[string]string{"body": comment})
	if err != nil {
		return fmt.Errorf("tracker: marshal comment for %s: %w", issueKey, err)
	}
	path := fmt.Sprintf("/rest/api/2/issue/%s/comment", issueKey)
	if err := c.doWithRetry(ctx, "comment", http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("tracker: add comment to %s: %w", issueKey, err)
	}
	xlog.Info("added comment", mlog.Field("key", issueKey))
	return nil
}

// doWithRetry issues one HTTP request, retrying transient failures on the
// fixed 2s/4s/8s schedule. Authentication failures and non-transient 4xx
// responses are returned immediately without retry. The full operation,
// including any retries, is timed once and reported under operation's
// label (search, create, comment).
func (c *HTTPClient) doWithRetry(ctx context.Context, operation, method, path string, body []byte, out any) error {
	start := time.Now()
	err := c.doWithRetryUntimed(ctx, method, path, body, out)
	metrics.TrackerRequestObserve(operation, requestResult(err), time.Since(start))
	return err
}

func requestResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuth):
		return "autherror"
	case errors.Is(err, ErrRetriesExhausted):
		return "retriesexhausted"
	default:
		return "error"
	}
}

func (c *HTTPClient) doWithRetryUntimed(ctx context.Context, method, path string, body []byte, out any) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		err := c.do(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAuth) {
			return err
		}
		var se *statusError
		if errors.As(err, &se) && !se.transient() {
			return err
		}
		lastErr = err
		if attempt >= len(backoff) {
			return fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
		}
		delay := backoff[attempt]
		xlog.Error("tracker request failed, retrying", mlog.Field("attempt", attempt+1), mlog.Field("delay", delay.String()), mlog.Field("err", lastErr.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string { return fmt.Sprintf("http %d: %s", e.code, e.body) }

// transient reports whether the error is worth retrying: rate limiting or
// a server-side error.
func (e *statusError) transient() bool {
	switch e.code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.Username, c.cfg.APIToken)

	resp, err := c.cfg.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrAuth, strings.TrimSpace(string(respBody)))
	}
	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(respBody))}
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// DryRunClient logs each write it would have made without contacting the
// tracker at all (§6).
type DryRunClient struct{}

func (DryRunClient) FindOpenIssue(context.Context, string) (*Issue, error) { return nil, nil }

func (DryRunClient) CreateIssue(_ context.Context, ip string, zones []string, description string) (string, error) {
	xlog.Info("dry-run: would create issue", mlog.Field("ip", ip), mlog.Field("zones", reconcile.Canonical(zones)))
	return "DRYRUN-0", nil
}

func (DryRunClient) AddComment(_ context.Context, issueKey, comment string) error {
	xlog.Info("dry-run: would add comment", mlog.Field("key", issueKey), mlog.Field("comment", comment))
	return nil
}

func (DryRunClient) CreateDNSFailureIssue(_ context.Context, unknownPercentage float64, failedZones []ZoneFailureReport) (string, error) {
	names := make([]string, len(failedZones))
	for i, z := range failedZones {
		names[i] = z.Zone
	}
	xlog.Info("dry-run: would create dns failure issue", mlog.Field("unknownPercentage", unknownPercentage), mlog.Field("failedZones", names))
	return "DRYRUN-0", nil
}

func (DryRunClient) FindOpenDNSFailureIssueToday(context.Context, string) (*Issue, error) {
	return nil, nil
}
