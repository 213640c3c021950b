package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/provoice/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	start := history.Event{
		Type:       history.EventEngineStart,
		OccurredAt: time.Now().UTC(),
		Record:     history.Record{Subject: "generation-server", PID: 12345, Outcome: "starting"},
	}
	if err := sink.Send(ctx, start); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}
	stop := history.Event{
		Type:       history.EventEngineStop,
		OccurredAt: time.Now().UTC(),
		Record:     history.Record{Subject: "generation-server", PID: 12345, Outcome: "stopped", Detail: "signal: terminated"},
	}
	if err := sink.Send(ctx, stop); err != nil {
		t.Fatalf("Failed to send stop event: %v", err)
	}

	n, err := sink.Count(ctx, "generation-server")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}
}

func TestSQLiteSink_InMemoryRunEvent(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	evt := history.Event{
		Type:       history.EventRun,
		OccurredAt: time.Now().UTC(),
		Record: history.Record{
			Subject:    "9b2f0c1e-run",
			Outcome:    "timeout",
			Stage:      "generate",
			Code:       "deadline",
			DurationMS: 1500,
		},
	}
	if err := sink.Send(ctx, evt); err != nil {
		t.Fatalf("Failed to send event: %v", err)
	}
	n, err := sink.Count(ctx, "9b2f0c1e-run")
	if err != nil || n != 1 {
		t.Fatalf("expected one run event, got %d (%v)", n, err)
	}
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = sink.Send(ctx, history.Event{Type: history.EventRun, Record: history.Record{Subject: "x", Outcome: "completed"}})
	if err == nil {
		t.Fatalf("expected error with cancelled context")
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
