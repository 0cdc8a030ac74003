// Package audit persists supervisor lifecycle events to a local SQLite
// database so the start/death/restart/reboot history of every managed
// service survives across gateway restarts and can be queried later.
package audit

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rdkcentral/zilker-sdk-sub007/pkg/log"
)

// Log is a SQLite-backed append-only record of supervisor lifecycle
// events. It implements log.Logger so it can sit alongside a FileLogger
// in a log.MultiLogger, recording only the event kinds it cares about.
type Log struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or attaches to the audit database at dbPath. Use
// ":memory:" for an ephemeral in-process database (tests).
func Open(dbPath string) (*Log, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: configure database: %w", err)
	}

	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate database: %w", err)
	}
	return l, nil
}

func (l *Log) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		occurred_at DATETIME NOT NULL,
		service_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		pid INTEGER,
		exit_code INTEGER
	);

	CREATE TABLE IF NOT EXISTS restart_cap_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		occurred_at DATETIME NOT NULL,
		service_name TEXT NOT NULL,
		action TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lifecycle_service ON lifecycle_events(service_name);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_occurred_at ON lifecycle_events(occurred_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

// Log records lifecycle and restart-cap events. Every other category is
// ignored: this is a durable history of service up/down transitions,
// not a general event sink.
func (l *Log) Log(event log.Event) {
	switch event.Category {
	case log.CategoryLifecycle:
		if event.Lifecycle == nil {
			return
		}
		l.insertLifecycle(event.Timestamp, event.ServiceName, event.Lifecycle)
	case log.CategoryRestartCap:
		l.insertRestartCap(event.Timestamp, event.ServiceName, event.StateChange)
	}
}

func (l *Log) insertLifecycle(ts time.Time, service string, ev *log.LifecycleEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`
		INSERT INTO lifecycle_events (occurred_at, service_name, kind, pid, exit_code)
		VALUES (?, ?, ?, ?, ?)
	`, ts, service, ev.Kind.String(), ev.PID, ev.ExitCode)
	if err != nil {
		// Auditing is best-effort: a write failure must never take
		// down the caller's own lifecycle handling.
		return
	}
}

func (l *Log) insertRestartCap(ts time.Time, service string, sc *log.StateChangeEvent) {
	action := ""
	if sc != nil {
		action = sc.NewState
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.db.Exec(`
		INSERT INTO restart_cap_events (occurred_at, service_name, action)
		VALUES (?, ?, ?)
	`, ts, service, action)
}

// ServiceEvent is one row of recorded lifecycle history for a service.
type ServiceEvent struct {
	OccurredAt time.Time
	Kind       string
	PID        int
	ExitCode   int
}

// History returns the recorded lifecycle events for a service, most
// recent first, bounded by limit.
func (l *Log) History(service string, limit int) ([]ServiceEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(`
		SELECT occurred_at, kind, pid, exit_code
		FROM lifecycle_events
		WHERE service_name = ?
		ORDER BY occurred_at DESC
		LIMIT ?
	`, service, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ServiceEvent
	for rows.Next() {
		var e ServiceEvent
		if err := rows.Scan(&e.OccurredAt, &e.Kind, &e.PID, &e.ExitCode); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

var _ log.Logger = (*Log)(nil)
