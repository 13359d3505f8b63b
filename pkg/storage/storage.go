// Package storage provides the SQLite-backed audit log. It is the
// infrastructure adapter for the memory collaborator: it consumes
// lifecycle events from the bus through a subscribed handler and appends
// them durably, and exposes no calls into the orchestration core.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sablebot/sable/pkg/bus"
	"github.com/sablebot/sable/pkg/events"
	"github.com/sablebot/sable/pkg/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	payload    TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
`

// Record is one audited event row.
type Record struct {
	ID        string
	Type      string
	Source    string
	Payload   events.Payload
	CreatedAt time.Time
}

// Store appends runtime events to a SQLite database.
type Store struct {
	db  *sql.DB
	sub *bus.Subscription
}

// Open creates the database file (and parent directory) if needed and
// applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Attach subscribes the audit handler to every event on the bus. Append
// failures are logged, never propagated: a broken disk must not take down
// dispatch.
func (s *Store) Attach(b *bus.Bus) {
	s.sub = b.SubscribeAll(func(e events.Event) {
		if err := s.Append(e); err != nil {
			logger.ErrorCF("storage", "Failed to append audit event", map[string]interface{}{
				"event_type": e.Type.String(),
				"error":      err.Error(),
			})
		}
	})
}

// Detach removes the audit handler.
func (s *Store) Detach(b *bus.Bus) {
	b.Unsubscribe(s.sub)
	s.sub = nil
}

// Append writes one event row.
func (s *Store) Append(e events.Event) error {
	var payload []byte
	if e.Payload != nil {
		var err error
		payload, err = json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO events (id, type, source, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.Source, string(payload), e.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT id, type, source, payload, created_at FROM events ORDER BY created_at DESC, id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ByType returns up to limit events of one type, newest first.
func (s *Store) ByType(t events.Type, limit int) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT id, type, source, payload, created_at FROM events WHERE type = ? ORDER BY created_at DESC, id LIMIT ?`,
		string(t), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events by type: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var r Record
		var payload sql.NullString
		if err := rows.Scan(&r.ID, &r.Type, &r.Source, &payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &r.Payload); err != nil {
				return nil, fmt.Errorf("decode payload for %s: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
