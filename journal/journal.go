// Package journal persists delivered change events to a local SQLite
// database so they can be inspected after the fact.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dirwatch/dirwatch"
	"github.com/dirwatch/dirwatch/internal"
)

// Journal is an append-only event log backed by SQLite.
type Journal struct {
	db   *sql.DB
	path string
}

// Entry is one recorded event.
type Entry struct {
	ID        int64
	Timestamp time.Time
	Path      string
	Flags     dirwatch.EventFlag
}

// ListOptions filters a List query.
type ListOptions struct {
	// Since restricts results to entries recorded at or after this time.
	Since time.Time

	// PathPrefix restricts results to paths under this prefix.
	PathPrefix string

	// Limit caps the number of returned entries; zero means no cap.
	Limit int
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// The journal is written by a single process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id    INTEGER PRIMARY KEY AUTOINCREMENT,
			ts    TEXT    NOT NULL,
			path  TEXT    NOT NULL,
			flags INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS events_ts_idx ON events (ts);
		CREATE INDEX IF NOT EXISTS events_path_idx ON events (path);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	return &Journal{db: db, path: path}, nil
}

// Path returns the database file path.
func (j *Journal) Path() string { return j.path }

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends a batch of events in delivery order, atomically.
func (j *Journal) Record(ctx context.Context, events []dirwatch.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events (ts, path, flags) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	for _, event := range events {
		if _, err := stmt.ExecContext(ctx, ts, event.Path, uint32(event.Flags)); err != nil {
			internal.SinkErrorsCounterVec.WithLabelValues("journal").Inc()
			return fmt.Errorf("record event %q: %w", event.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		internal.SinkErrorsCounterVec.WithLabelValues("journal").Inc()
		return err
	}

	internal.SinkEventsCounterVec.WithLabelValues("journal").Add(float64(len(events)))
	return nil
}

// List returns recorded entries in insertion order, oldest first.
func (j *Journal) List(ctx context.Context, opt ListOptions) ([]Entry, error) {
	var conds []string
	var args []any

	if !opt.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, opt.Since.UTC().Format(time.RFC3339Nano))
	}
	if opt.PathPrefix != "" {
		conds = append(conds, "path LIKE ? ESCAPE '\\'")
		args = append(args, likePrefix(opt.PathPrefix))
	}

	query := `SELECT id, ts, path, flags FROM events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"
	if opt.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opt.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var ts string
		var flags uint32
		if err := rows.Scan(&entry.ID, &ts, &entry.Path, &flags); err != nil {
			return nil, err
		}
		if entry.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse journal timestamp %q: %w", ts, err)
		}
		entry.Flags = dirwatch.EventFlag(flags)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// likePrefix escapes LIKE metacharacters so a path prefix matches
// literally.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
