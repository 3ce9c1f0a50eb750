package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewHTTPClient(Config{
		BaseURL:          srv.URL,
		Project:          "OPS",
		IssueType:        "Blacklist",
		Username:         "bot",
		APIToken:         "secret",
		ExcludedStatuses: []string{"Done", "Closed"},
		HTTP:             srv.Client(),
	})
	return c, srv
}

func TestFindOpenIssueNoneFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"issues": []any{}})
	})
	issue, err := c.FindOpenIssue(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if issue != nil {
		t.Fatalf("expected no issue, got %+v", issue)
	}
}

func TestFindOpenIssuePicksMostRecentWhenMultiple(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"issues": []map[string]any{
				{"key": "OPS-1", "fields": map[string]any{"summary": "IP 1.2.3.4 blacklisted", "created": "2026-01-01T00:00:00.000+0000", "status": map[string]string{"name": "Open"}}},
				{"key": "OPS-2", "fields": map[string]any{"summary": "IP 1.2.3.4 blacklisted", "created": "2026-03-01T00:00:00.000+0000", "status": map[string]string{"name": "Open"}}},
			},
		})
	})
	issue, err := c.FindOpenIssue(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if issue == nil || issue.Key != "OPS-2" {
		t.Fatalf("got %+v", issue)
	}
}

func TestCreateIssueReturnsKey(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/2/issue" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"key": "OPS-42"})
	})
	key, err := c.CreateIssue(context.Background(), "1.2.3.4", []string{"zen.x.org"}, "listed")
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if key != "OPS-42" {
		t.Fatalf("key = %q", key)
	}
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := c.FindOpenIssue(context.Background(), "1.2.3.4")
	if err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one call, got %d", calls)
	}
}

func TestNotFoundIsNotRetried(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	})
	err := c.AddComment(context.Background(), "OPS-1", "hello")
	if err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one call, got %d", calls)
	}
}

func TestServerErrorRetriesThenSucceeds(t *testing.T) {
	backoff[0] = time.Millisecond
	backoff[1] = time.Millisecond
	backoff[2] = time.Millisecond
	t.Cleanup(func() {
		backoff[0] = 2 * time.Second
		backoff[1] = 4 * time.Second
		backoff[2] = 8 * time.Second
	})

	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"key": "OPS-7"})
	})
	key, err := c.CreateIssue(context.Background(), "1.2.3.4", []string{"zen.x.org"}, "listed")
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if key != "OPS-7" {
		t.Fatalf("key = %q", key)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestServerErrorExhaustsRetries(t *testing.T) {
	backoff[0] = time.Millisecond
	backoff[1] = time.Millisecond
	backoff[2] = time.Millisecond
	t.Cleanup(func() {
		backoff[0] = 2 * time.Second
		backoff[1] = 4 * time.Second
		backoff[2] = 8 * time.Second
	})

	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := c.CreateIssue(context.Background(), "1.2.3.4", []string{"zen.x.org"}, "listed")
	if err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&calls) != 4 {
		t.Fatalf("expected 4 calls (1 + 3 retries), got %d", calls)
	}
}

func TestDryRunClientNeverCallsNetwork(t *testing.T) {
	var c Client = DryRunClient{}
	key, err := c.CreateIssue(context.Background(), "1.2.3.4", []string{"zen.x.org"}, "listed")
	if err != nil || key == "" {
		t.Fatalf("key=%q err=%v", key, err)
	}
	issue, err := c.FindOpenIssue(context.Background(), "1.2.3.4")
	if err != nil || issue != nil {
		t.Fatalf("issue=%+v err=%v", issue, err)
	}
}
