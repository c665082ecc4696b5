// Package audit records the events flowing through a chansockd server
// into a queryable sqlite database: inbound client events and outbound
// pushes, with their uid, client id, and payload.
//
// This is an operator's traffic log, not delivery persistence — the
// channel itself stays at-most-once, and nothing is ever replayed from
// here.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/chansock/chansock/internal/event"
)

// Direction of a recorded event relative to the server.
const (
	DirRecv = "recv"
	DirPush = "push"
)

// Entry is one recorded event.
type Entry struct {
	Seq      int64     `json:"seq"`
	TS       time.Time `json:"ts"`
	Dir      string    `json:"dir"`
	UID      string    `json:"uid"`
	ClientID string    `json:"client_id"`
	EventID  string    `json:"event_id"`
	Payload  string    `json:"payload"`
}

// Trail is an open audit database. Safe for concurrent use; Record is
// called from transport and push goroutines while the CLI reads.
type Trail struct {
	db *sql.DB
}

// Open opens (or creates) the audit database at path. WAL mode is used
// so the server's writes don't block CLI reads.
func Open(path string) (*Trail, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit db %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			ts        TEXT NOT NULL,
			dir       TEXT NOT NULL,
			uid       TEXT NOT NULL DEFAULT '',
			client_id TEXT NOT NULL DEFAULT '',
			event_id  TEXT NOT NULL DEFAULT '',
			payload   TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_uid ON events(uid);
		CREATE INDEX IF NOT EXISTS idx_event_id ON events(event_id);
		CREATE INDEX IF NOT EXISTS idx_ts ON events(ts);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	return &Trail{db: db}, nil
}

// Record inserts one event. Errors are logged, not returned — auditing
// must never interfere with delivery.
func (t *Trail) Record(dir, uid, clientID string, ev event.Event) {
	var payload string
	if ev.Data != nil {
		if data, err := json.Marshal(ev.Data); err == nil {
			payload = string(data)
		}
	}
	_, err := t.db.Exec(
		`INSERT INTO events (ts, dir, uid, client_id, event_id, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), dir, uid, clientID, string(ev.ID), payload,
	)
	if err != nil {
		slog.Error("audit insert failed", "event", ev.ID, "error", err)
	}
}

// Query filters for Recent.
type Query struct {
	UID     string // empty = all uids
	EventID string // empty = all event ids
	Limit   int    // <=0 = 100
}

// Recent returns matching entries, newest first.
func (t *Trail) Recent(q Query) ([]Entry, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	where := "1=1"
	args := []any{}
	if q.UID != "" {
		where += " AND uid = ?"
		args = append(args, q.UID)
	}
	if q.EventID != "" {
		where += " AND event_id = ?"
		args = append(args, q.EventID)
	}
	args = append(args, q.Limit)

	rows, err := t.db.Query(
		`SELECT seq, ts, dir, uid, client_id, event_id, payload
		 FROM events WHERE `+where+` ORDER BY seq DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit trail: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.Seq, &ts, &e.Dir, &e.UID, &e.ClientID, &e.EventID, &e.Payload); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		e.TS, _ = time.Parse(time.RFC3339Nano, ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the database.
func (t *Trail) Close() error {
	return t.db.Close()
}
