package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/provoice/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	events := []history.Event{
		{
			Type:       history.EventEngineStart,
			OccurredAt: time.Now().UTC(),
			Record:     history.Record{Subject: "generation-server", PID: 12345, Outcome: "starting"},
		},
		{
			Type:       history.EventEngineStop,
			OccurredAt: time.Now().UTC(),
			Record:     history.Record{Subject: "generation-server", PID: 12345, Outcome: "stopped", Detail: "signal: killed"},
		},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	var count int
	row := sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+history.Table+" WHERE subject = $1", "generation-server")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("Failed to query history: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events in history, got %d", count)
	}

	var stage *string
	row = sink.db.QueryRowContext(ctx, "SELECT stage FROM "+history.Table+" WHERE event = $1 LIMIT 1", string(history.EventEngineStart))
	if err := row.Scan(&stage); err != nil {
		t.Fatalf("Failed to query stage: %v", err)
	}
	if stage != nil {
		t.Errorf("expected NULL stage for engine event, got %q", *stage)
	}
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
