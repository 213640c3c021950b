package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
)

// EventType defines the kind of recorded event.
type EventType string

const (
	// EventRun is emitted once per finished pipeline run.
	EventRun EventType = "run"
	// EventEngineStart is emitted after an engine process is launched.
	EventEngineStart EventType = "engine_start"
	// EventEngineStop is emitted when an engine process exits or is stopped.
	EventEngineStop EventType = "engine_stop"
	// EventEngineExhausted is emitted when an engine used up its restart budget.
	EventEngineExhausted EventType = "engine_exhausted"
)

// Record is the flat payload of an event. Subject is the run ID for run events and
// the engine name for engine events.
type Record struct {
	Subject    string `json:"subject"`
	PID        int    `json:"pid,omitempty"`
	Outcome    string `json:"outcome"`
	Stage      string `json:"stage,omitempty"`
	Code       string `json:"code,omitempty"`
	Detail     string `json:"detail,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Event represents a history entry to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi sends every event to all of its sinks and reports every failure.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var result *multierror.Error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// sendTimeout bounds one best-effort Emit.
const sendTimeout = 5 * time.Second

// Emit sends e to sink without letting a slow or broken sink affect the caller:
// failures are logged, never returned.
func Emit(sink Sink, e Event) {
	if sink == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := sink.Send(ctx, e); err != nil {
		slog.Warn("Failed to record history event", "type", e.Type, "subject", e.Record.Subject, "error", err)
	}
}

// Table is the default table name used by every sink. The SQL sinks and the
// ClickHouse sink share the same column names.
const Table = "provoice_history"
