//go:build cgo

package throttle

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// openTestStore opens a *Store against a fresh on-disk sqlite database,
// following foxcpp-maddy's internal/table/sql_test.go pattern (a real
// database/sql connection, not a fake) so the guard clauses and CASE
// expression in NewListing/ZoneChange/Cleared are actually exercised by
// the driver rather than reimplemented in the test. sqlite accepts the
// same "?" placeholder style and CASE WHEN ... END syntax the MySQL
// queries in throttle.go use, so the schema below stands in for
// postal.ip_addresses without changing any query text under test.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "throttle.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`
		CREATE TABLE ip_addresses (
			id            INTEGER PRIMARY KEY,
			ip            TEXT,
			priority      INTEGER,
			oldPriority   INTEGER,
			blockingLists TEXT NOT NULL DEFAULT '',
			lastEvent     TEXT
		)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	return &Store{db: db}
}

func insertRow(t *testing.T, s *Store, id int64, priority int, oldPriority sql.NullInt64, blockingLists string) {
	t.Helper()
	_, err := s.db.Exec(`INSERT INTO ip_addresses (id, ip, priority, oldPriority, blockingLists) VALUES (?, ?, ?, ?, ?)`,
		id, "1.2.3.4", priority, oldPriority, blockingLists)
	if err != nil {
		t.Fatalf("insert row: %v", err)
	}
}

func fetchRow(t *testing.T, s *Store, id int64) Row {
	t.Helper()
	rows, err := s.AllIPs(context.Background())
	if err != nil {
		t.Fatalf("AllIPs: %v", err)
	}
	for _, r := range rows {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("row %d not found", id)
	return Row{}
}

// I3/I6: NewListing captures oldPriority only once, sets blockingLists to
// the canonical zone list, and its guard clause refuses a no-op rewrite.
func TestStoreNewListingCapturesPriorityOnce(t *testing.T) {
	s := openTestStore(t)
	insertRow(t, s, 1, 50, sql.NullInt64{}, "")

	ctx := context.Background()
	if err := s.NewListing(ctx, 1, 50, []string{"zen.x.org"}, 0); err != nil {
		t.Fatalf("NewListing: %v", err)
	}
	row := fetchRow(t, s, 1)
	if row.Priority != 0 || row.BlockingLists != "zen.x.org" || !row.OldPriority.Valid || row.OldPriority.Int64 != 50 {
		t.Fatalf("row after NewListing = %+v", row)
	}

	// A second NewListing to the same zone set is a no-op under the guard
	// clause (I6) and must not re-capture oldPriority.
	err := s.NewListing(ctx, 1, 999, []string{"zen.x.org"}, 0)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on idempotent replay, got %v", err)
	}
	row = fetchRow(t, s, 1)
	if row.OldPriority.Int64 != 50 {
		t.Fatalf("oldPriority re-captured: %+v", row)
	}

	// Adding a second zone is a real change and must succeed as a
	// ZoneChange-shaped write, not be rejected by the guard clause.
	if err := s.NewListing(ctx, 1, 999, []string{"zen.x.org", "bl.y.org"}, 0); err != nil {
		t.Fatalf("NewListing with different zone set: %v", err)
	}
	row = fetchRow(t, s, 1)
	if row.BlockingLists != "bl.y.org,zen.x.org" {
		t.Fatalf("blockingLists = %q", row.BlockingLists)
	}
}

// ZoneChange updates blockingLists/lastEvent only, leaving priority and
// oldPriority untouched.
func TestStoreZoneChangeLeavesPriorityAlone(t *testing.T) {
	s := openTestStore(t)
	insertRow(t, s, 1, 0, sql.NullInt64{Int64: 50, Valid: true}, "zen.x.org")

	ctx := context.Background()
	if err := s.ZoneChange(ctx, 1, []string{"zen.x.org", "bl.y.org"}); err != nil {
		t.Fatalf("ZoneChange: %v", err)
	}
	row := fetchRow(t, s, 1)
	if row.Priority != 0 || row.OldPriority.Int64 != 50 || row.BlockingLists != "bl.y.org,zen.x.org" {
		t.Fatalf("row after ZoneChange = %+v", row)
	}

	if err := s.ZoneChange(ctx, 1, []string{"zen.x.org", "bl.y.org"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on idempotent replay, got %v", err)
	}
}

// Cleared restores priority from oldPriority when set, clears
// oldPriority/blockingLists, and its guard clause refuses a replay against
// an already-clean row.
func TestStoreClearedRestoresCapturedPriority(t *testing.T) {
	s := openTestStore(t)
	insertRow(t, s, 1, 0, sql.NullInt64{Int64: 50, Valid: true}, "zen.x.org")

	ctx := context.Background()
	if err := s.Cleared(ctx, 1, sql.NullInt64{Int64: 50, Valid: true}, 999); err != nil {
		t.Fatalf("Cleared: %v", err)
	}
	row := fetchRow(t, s, 1)
	if row.Priority != 50 || row.OldPriority.Valid || row.BlockingLists != "" {
		t.Fatalf("row after Cleared = %+v", row)
	}

	if err := s.Cleared(ctx, 1, sql.NullInt64{}, 999); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on already-clean row, got %v", err)
	}
}

// P5/I2: with no captured oldPriority, Cleared falls back to the
// configured clean fallback priority instead of leaving priority as-is.
func TestStoreClearedFallsBackWithoutCapturedPriority(t *testing.T) {
	s := openTestStore(t)
	insertRow(t, s, 1, 0, sql.NullInt64{}, "zen.x.org")

	if err := s.Cleared(context.Background(), 1, sql.NullInt64{}, 75); err != nil {
		t.Fatalf("Cleared: %v", err)
	}
	row := fetchRow(t, s, 1)
	if row.Priority != 75 {
		t.Fatalf("priority = %d, want fallback 75", row.Priority)
	}
}

func TestRowIsClean(t *testing.T) {
	if !(Row{BlockingLists: ""}).IsClean() {
		t.Fatalf("expected empty blockingLists to be clean")
	}
	if (Row{BlockingLists: "zen.x.org"}).IsClean() {
		t.Fatalf("expected non-empty blockingLists to be non-clean")
	}
}
