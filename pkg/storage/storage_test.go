package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sablebot/sable/pkg/bus"
	"github.com/sablebot/sable/pkg/events"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit", "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := openTestStore(t)

	first := events.New(events.TaskCreated, "task", events.TaskPayload("t1", "greet", "pending", "normal"))
	second := events.New(events.TaskCompleted, "task", events.TaskPayload("t1", "greet", "completed", "normal"))
	second.Timestamp = first.Timestamp.Add(time.Second)

	if err := s.Append(first); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(second); err != nil {
		t.Fatalf("Append: %v", err)
	}

	recs, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Type != string(events.TaskCompleted) {
		t.Fatalf("expected newest first, got %s", recs[0].Type)
	}
	if recs[0].Payload.GetString(events.KeyTaskID) != "t1" {
		t.Fatalf("payload not round-tripped: %v", recs[0].Payload)
	}
}

func TestAppendIsIdempotentPerEventID(t *testing.T) {
	s := openTestStore(t)

	e := events.New(events.SystemError, "bus", events.ErrorPayload("bus", "boom"))
	if err := s.Append(e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(e); err != nil {
		t.Fatalf("second Append of same event: %v", err)
	}

	recs, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
}

func TestByType(t *testing.T) {
	s := openTestStore(t)

	s.Append(events.New(events.TaskCreated, "task", nil))
	s.Append(events.New(events.TaskFailed, "task", nil))
	s.Append(events.New(events.TaskFailed, "task", nil))

	recs, err := s.ByType(events.TaskFailed, 10)
	if err != nil {
		t.Fatalf("ByType: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 task.failed records, got %d", len(recs))
	}
}

func TestAttachAuditsBusEvents(t *testing.T) {
	s := openTestStore(t)
	b := bus.New()

	s.Attach(b)
	b.Publish(events.UserInput, events.InputPayload("cli", "me", "local", "hello"))
	b.Close() // drains the audit handler

	recs, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected the published event to be audited, got %d rows", len(recs))
	}
	if recs[0].Type != string(events.UserInput) {
		t.Fatalf("unexpected type: %s", recs[0].Type)
	}
}
