// Package audit records structured task lifecycle events. Every event goes
// to slog; when a database path is configured the events are also appended
// to a local sqlite file so they survive restarts and can be queried over
// the control API.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Event types emitted by the bridge and scheduler.
const (
	TaskStart       = "task_start"
	TaskComplete    = "task_complete"
	TaskError       = "task_error"
	TaskTimeout     = "task_timeout"
	TaskIdleTimeout = "task_idle_timeout"
	TaskStopped     = "task_stopped"
	ScheduleFired   = "schedule_fired"
	ScheduleFailed  = "schedule_failed"
)

// Event is one audit record.
type Event struct {
	Time       time.Time `json:"time"`
	Type       string    `json:"type"`
	BotName    string    `json:"botName"`
	ChatID     string    `json:"chatId"`
	UserID     string    `json:"userId,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CostUSD    float64   `json:"costUsd,omitempty"`
	DurationMS int64     `json:"durationMs,omitempty"`
}

// Logger writes audit events. A nil *Logger is valid and drops events.
type Logger struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	at          TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	bot_name    TEXT NOT NULL,
	chat_id     TEXT NOT NULL,
	user_id     TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT '',
	cost_usd    REAL NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_events(at);
`

// Open creates a Logger backed by a sqlite file at path. An empty path
// returns a log-only Logger.
func Open(path string) (*Logger, error) {
	if path == "" {
		return &Logger{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// Single writer keeps inserts ordered and avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	return &Logger{db: db}, nil
}

// Emit records one event.
func (l *Logger) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	slog.Info("audit."+ev.Type,
		"bot", ev.BotName,
		"chat", ev.ChatID,
		"user", ev.UserID,
		"detail", ev.Detail,
		"cost_usd", ev.CostUSD,
		"duration_ms", ev.DurationMS,
	)

	if l == nil || l.db == nil {
		return
	}
	_, err := l.db.Exec(
		`INSERT INTO audit_events (at, event_type, bot_name, chat_id, user_id, detail, cost_usd, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Time.Format(time.RFC3339Nano), ev.Type, ev.BotName, ev.ChatID, ev.UserID, ev.Detail, ev.CostUSD, ev.DurationMS,
	)
	if err != nil {
		slog.Warn("audit insert failed", "error", err)
	}
}

// Recent returns up to limit events, newest first.
func (l *Logger) Recent(ctx context.Context, limit int) ([]Event, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT at, event_type, bot_name, chat_id, user_id, detail, cost_usd, duration_ms
		 FROM audit_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit query: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var at string
		if err := rows.Scan(&at, &ev.Type, &ev.BotName, &ev.ChatID, &ev.UserID, &ev.Detail, &ev.CostUSD, &ev.DurationMS); err != nil {
			return nil, fmt.Errorf("audit scan: %w", err)
		}
		ev.Time, _ = time.Parse(time.RFC3339Nano, at)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close releases the database handle.
func (l *Logger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
