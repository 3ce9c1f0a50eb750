// Package throttle applies the conditional, idempotent row updates
// described in §4.F of the specification against the mail server's
// throttle table (the original's postal.ip_addresses).
//
// Grounded on foxcpp-maddy's internal/table/sql.go: database/sql opened
// against a blank-imported driver and used through plain QueryContext/
// ExecContext calls (no prepared statements); a write that changes no row
// is detected from its affected-row count. The driver here is
// github.com/go-sql-driver/mysql rather than maddy's lib/pq, matching the
// MySQL schema the original Python implementation (mysql.connector against
// postal.ip_addresses) actually targeted.
package throttle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/mjl-/dnsblguard/internal/reconcile"
	"github.com/mjl-/dnsblguard/mlog"
)

var xlog = mlog.New("throttle")

// ErrFatal wraps a store failure that must abort the run: connection
// refused, authentication rejected, or a write that failed for a reason
// other than the idempotency guard (§7, StoreFatal).
var ErrFatal = errors.New("throttle: fatal store error")

// ErrConflict marks a write that affected zero rows because the guard
// clause (I6) found blockingLists already equal to the canonical target
// state, or because the row disappeared. Callers report it (§4.F: "the
// writer reports back whether the underlying store reported zero rows
// affected") but never treat it as a run failure; unwrap with errors.Is.
var ErrConflict = errors.New("throttle: no matching row to update")

// Writer is the interface internal/run depends on, satisfied by *Store and
// by DryRunWriter. Keeping the two behind one interface means dry-run mode
// (§6) is a choice of which Writer to construct, not a conditional
// scattered through every call site.
type Writer interface {
	NewListing(ctx context.Context, id int64, capturedPriority int, zones []string, listedPriority int) error
	ZoneChange(ctx context.Context, id int64, zones []string) error
	Cleared(ctx context.Context, id int64, oldPriority sql.NullInt64, fallbackPriority int) error
}

// DryRunWriter logs each write it would have made and never reports
// ErrConflict, since no guard clause runs against a real row.
type DryRunWriter struct{}

func (DryRunWriter) NewListing(_ context.Context, id int64, capturedPriority int, zones []string, listedPriority int) error {
	xlog.Info("dry-run: would write newListing", mlog.Field("id", id), mlog.Field("zones", reconcile.Canonical(zones)), mlog.Field("priority", listedPriority), mlog.Field("capturedPriority", capturedPriority))
	return nil
}

func (DryRunWriter) ZoneChange(_ context.Context, id int64, zones []string) error {
	xlog.Info("dry-run: would write zoneChange", mlog.Field("id", id), mlog.Field("zones", reconcile.Canonical(zones)))
	return nil
}

func (DryRunWriter) Cleared(_ context.Context, id int64, oldPriority sql.NullInt64, fallbackPriority int) error {
	xlog.Info("dry-run: would write cleared", mlog.Field("id", id), mlog.Field("fallbackPriority", fallbackPriority))
	return nil
}

// Row is one throttle table record (§3's IP Record).
type Row struct {
	ID            int64
	IP            string
	Priority      int
	OldPriority   sql.NullInt64
	BlockingLists string
	LastEvent     sql.NullString
}

// IsClean reports whether the row is in the clean state (I1).
func (r Row) IsClean() bool { return r.BlockingLists == "" }

// Store is the throttle-store writer (component F), backed by a SQL
// database. Each write is a single autocommit UPDATE statement; Store does
// not set a transaction isolation level, so the server's default applies.
type Store struct {
	db *sql.DB
}

// Open connects to dsn (a github.com/go-sql-driver/mysql data source name)
// and verifies connectivity. Failure here is always fatal to the run.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening store: %v", ErrFatal, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: connecting to store: %v", ErrFatal, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

var (
	_ Writer = (*Store)(nil)
	_ Writer = DryRunWriter{}
)

// AllIPs fetches every row from the throttle table, ordered by id, the way
// the original's DatabaseService.get_all_ips does.
func (s *Store) AllIPs(ctx context.Context) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ip, priority, oldPriority, blockingLists, lastEvent
		FROM ip_addresses
		WHERE ip IS NOT NULL
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: querying ip_addresses: %v", ErrFatal, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.IP, &r.Priority, &r.OldPriority, &r.BlockingLists, &r.LastEvent); err != nil {
			return nil, fmt.Errorf("%w: scanning ip_addresses row: %v", ErrFatal, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating ip_addresses: %v", ErrFatal, err)
	}
	return out, nil
}

// NewListing applies the clean->listed transition (§4.F). oldPriority is
// captured only if the row does not already have one set (I3); the guard
// clause refuses the write if blockingLists already equals canonical(zones)
// (I6, idempotence).
//
// A zero-row update is reported as ErrConflict, not folded into ErrFatal:
// callers report it but never treat it as a run failure (§4.F).
func (s *Store) NewListing(ctx context.Context, id int64, capturedPriority int, zones []string, listedPriority int) error {
	canon := reconcile.Canonical(zones)
	lastEvent := "new block from list(s) " + canon
	res, err := s.db.ExecContext(ctx, `
		UPDATE ip_addresses
		SET priority = ?,
		    oldPriority = CASE WHEN oldPriority IS NULL THEN ? ELSE oldPriority END,
		    blockingLists = ?,
		    lastEvent = ?
		WHERE id = ? AND blockingLists != ?`,
		listedPriority, capturedPriority, canon, lastEvent, id, canon)
	if err != nil {
		return fmt.Errorf("%w: newListing id=%d: %v", ErrFatal, id, err)
	}
	return rowsAffected(res, id, "newListing")
}

// ZoneChange applies the listed->listed transition (§4.F): only
// blockingLists and lastEvent change; priority and oldPriority are
// untouched.
func (s *Store) ZoneChange(ctx context.Context, id int64, zones []string) error {
	canon := reconcile.Canonical(zones)
	lastEvent := "blocking list change: " + canon
	res, err := s.db.ExecContext(ctx, `
		UPDATE ip_addresses
		SET blockingLists = ?, lastEvent = ?
		WHERE id = ? AND blockingLists != ?`,
		canon, lastEvent, id, canon)
	if err != nil {
		return fmt.Errorf("%w: zoneChange id=%d: %v", ErrFatal, id, err)
	}
	return rowsAffected(res, id, "zoneChange")
}

// Cleared applies the listed->clean transition (§4.F): priority is
// restored from oldPriority if set, else fallbackPriority; oldPriority and
// blockingLists are cleared.
func (s *Store) Cleared(ctx context.Context, id int64, oldPriority sql.NullInt64, fallbackPriority int) error {
	restore := fallbackPriority
	if oldPriority.Valid {
		restore = int(oldPriority.Int64)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE ip_addresses
		SET priority = ?, oldPriority = NULL, blockingLists = '', lastEvent = 'block removed'
		WHERE id = ? AND blockingLists != ''`,
		restore, id)
	if err != nil {
		return fmt.Errorf("%w: cleared id=%d: %v", ErrFatal, id, err)
	}
	return rowsAffected(res, id, "cleared")
}

// rowsAffected translates a write's affected-row count into the
// ErrConflict/nil convention every Writer method shares.
func rowsAffected(res sql.Result, id int64, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %s id=%d rows affected: %v", ErrFatal, op, id, err)
	}
	updated := n > 0
	xlog.Debug("store write", mlog.Field("op", op), mlog.Field("id", id), mlog.Field("updated", updated))
	if !updated {
		return fmt.Errorf("%w: %s id=%d", ErrConflict, op, id)
	}
	return nil
}
