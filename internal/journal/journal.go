// Package journal persists applied topology mutations to SQLite so a run
// can be audited after the fact.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/signalsfoundry/bondchange/core"
	"github.com/signalsfoundry/bondchange/model"
)

// Journal stores bond events of one or more runs in a single table. It is
// safe for concurrent use by the engines of every rank.
type Journal struct {
	db    *sql.DB
	runID string
	path  string

	mu sync.Mutex
}

// Open creates or opens the journal at path and tags every event written
// through it with runID. ":memory:" keeps the journal in memory.
func Open(path, runID string) (*Journal, error) {
	if path == "" {
		path = "bondchange.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps an in-memory database alive and serialises writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS bond_events (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id   TEXT    NOT NULL,
		step     INTEGER NOT NULL,
		rank     INTEGER NOT NULL,
		kind     TEXT    NOT NULL,
		atom1    INTEGER NOT NULL,
		atom2    INTEGER NOT NULL,
		old_type INTEGER NOT NULL,
		new_type INTEGER NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bond_events table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS bond_events_run_step ON bond_events(run_id, step)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bond_events index: %w", err)
	}
	return &Journal{db: db, runID: runID, path: path}, nil
}

// RecordEvents appends events in one transaction. Implements core.EventSink.
func (j *Journal) RecordEvents(ctx context.Context, events []core.BondEvent) (retErr error) {
	if len(events) == 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO bond_events
		(run_id, step, rank, kind, atom1, atom2, old_type, new_type) VALUES (?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, j.runID, ev.Step, ev.Rank, string(ev.Kind),
			int64(ev.Atom1), int64(ev.Atom2), ev.OldType, ev.NewType); err != nil {
			return fmt.Errorf("insert %s event at step %d: %w", ev.Kind, ev.Step, err)
		}
	}
	return tx.Commit()
}

// Query filters events. Zero values match everything.
type Query struct {
	RunID string
	Kind  core.EventKind
	Atom  model.Tag
	From  int64
	To    int64
}

// Events returns the journaled events matching q in insertion order.
func (j *Journal) Events(ctx context.Context, q Query) ([]core.BondEvent, error) {
	sqlText := `SELECT step, rank, kind, atom1, atom2, old_type, new_type FROM bond_events WHERE 1=1`
	var args []any
	if q.RunID != "" {
		sqlText += ` AND run_id = ?`
		args = append(args, q.RunID)
	}
	if q.Kind != "" {
		sqlText += ` AND kind = ?`
		args = append(args, string(q.Kind))
	}
	if q.Atom != model.NoTag {
		sqlText += ` AND (atom1 = ? OR atom2 = ?)`
		args = append(args, int64(q.Atom), int64(q.Atom))
	}
	if q.From > 0 {
		sqlText += ` AND step >= ?`
		args = append(args, q.From)
	}
	if q.To > 0 {
		sqlText += ` AND step <= ?`
		args = append(args, q.To)
	}
	sqlText += ` ORDER BY id`

	rows, err := j.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("select bond_events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []core.BondEvent
	for rows.Next() {
		var (
			ev           core.BondEvent
			kind         string
			atom1, atom2 int64
		)
		if err := rows.Scan(&ev.Step, &ev.Rank, &kind, &atom1, &atom2, &ev.OldType, &ev.NewType); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		ev.Kind = core.EventKind(kind)
		ev.Atom1, ev.Atom2 = model.Tag(atom1), model.Tag(atom2)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Counts returns the number of events of each kind for runID.
func (j *Journal) Counts(ctx context.Context, runID string) (map[core.EventKind]int64, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM bond_events WHERE run_id = ? GROUP BY kind`, runID)
	if err != nil {
		return nil, fmt.Errorf("count bond_events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[core.EventKind]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out[core.EventKind(kind)] = n
	}
	return out, rows.Err()
}

// RunID returns the run tag applied to recorded events.
func (j *Journal) RunID() string { return j.runID }

// Path returns the configured database path.
func (j *Journal) Path() string { return j.path }

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

var _ core.EventSink = (*Journal)(nil)
