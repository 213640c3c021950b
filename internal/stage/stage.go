// Package stage runs one pipeline stage against an engine with a time budget and a
// single retry for transient engine errors.
package stage

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/provoice/internal/engine"
	"github.com/loykin/provoice/internal/failure"
	"github.com/loykin/provoice/internal/manager"
	"github.com/loykin/provoice/internal/metrics"
)

// Stage names.
const (
	Transcribe = "transcribe"
	Generate   = "generate"
)

// DefaultRetryDelay is the pause before the single retry.
const DefaultRetryDelay = 500 * time.Millisecond

// Call performs one engine request for a stage.
type Call func(ctx context.Context, input string) (string, error)

// Stage binds a stage name to its engine call and policy.
type Stage struct {
	Name string
	// Engine names the managed engine that must be ready before the call, or "".
	Engine     string
	Timeout    time.Duration
	RetryDelay time.Duration
	Call       Call
}

// TranscribeStage wraps a transcriber.
func TranscribeStage(t engine.Transcriber, engineName string, timeout, retryDelay time.Duration) Stage {
	return Stage{Name: Transcribe, Engine: engineName, Timeout: timeout, RetryDelay: retryDelay, Call: t.Transcribe}
}

// GenerateStage wraps a generator.
func GenerateStage(g engine.Generator, engineName string, timeout, retryDelay time.Duration) Stage {
	return Stage{Name: Generate, Engine: engineName, Timeout: timeout, RetryDelay: retryDelay, Call: g.Generate}
}

// Request is the input of one stage execution. A zero Deadline leaves the caller's
// context as the only outer bound.
type Request struct {
	Input    string    `json:"input"`
	Deadline time.Time `json:"deadline,omitempty"`
}

// Result is the outcome of one stage execution: Output on success, Failure otherwise.
type Result struct {
	Stage     string         `json:"stage"`
	Output    string         `json:"output,omitempty"`
	Failure   *failure.Error `json:"failure,omitempty"`
	Attempts  int            `json:"attempts"`
	Retries   int            `json:"retries"`
	StartedAt time.Time      `json:"started_at"`
	Elapsed   time.Duration  `json:"elapsed_ns"`
}

func (r Result) OK() bool { return r.Failure == nil }

// Lifecycle is the part of the engine manager a stage needs.
type Lifecycle interface {
	EnsureRunning(ctx context.Context, name string) error
}

// Executor runs stages.
type Executor struct {
	lifecycle Lifecycle
}

// NewExecutor returns an executor; lifecycle may be nil when no stage names an engine.
func NewExecutor(lifecycle Lifecycle) *Executor {
	return &Executor{lifecycle: lifecycle}
}

// Run executes st for req. st.Timeout runs from the start of the stage, so waiting for
// the engine to become ready is paid from the same budget as the call; the call gets
// whatever is left, capped by the caller deadline. When the budget elapses the call is
// abandoned and the result is a Timeout. Transient engine errors are retried once
// after st.RetryDelay.
func (x *Executor) Run(ctx context.Context, st Stage, req Request) (res Result) {
	res = Result{Stage: st.Name, StartedAt: time.Now()}
	defer func() {
		res.Elapsed = time.Since(res.StartedAt)
		outcome := "ok"
		if res.Failure != nil {
			outcome = string(res.Failure.Kind)
		}
		metrics.ObserveStage(st.Name, outcome, res.Elapsed.Seconds())
	}()

	if strings.TrimSpace(req.Input) == "" {
		res.Failure = failure.New(st.Name, failure.InvalidInput, "empty input")
		return res
	}
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}
	budget := ctx
	if st.Timeout > 0 {
		var cancel context.CancelFunc
		budget, cancel = context.WithDeadline(ctx, res.StartedAt.Add(st.Timeout))
		defer cancel()
	}

	if st.Engine != "" && x.lifecycle != nil {
		if err := x.lifecycle.EnsureRunning(budget, st.Engine); err != nil {
			if budget.Err() != nil {
				res.Failure = failure.FromContext(st.Name, budget.Err())
				res.Failure.Code = "engine_startup"
				return res
			}
			res.Failure = failure.Wrap(st.Name, failure.EngineUnreachable, manager.CodeOf(err), err)
			return res
		}
	}

	delay := st.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		out, err := invoke(budget, st.Call, req.Input)
		if err == nil {
			res.Output = out
			return res
		}
		if budget.Err() != nil {
			res.Failure = failure.FromContext(st.Name, budget.Err())
			return res
		}
		code := engine.CodeOf(err)
		if code == engine.CodeTimeout {
			res.Failure = failure.Wrap(st.Name, failure.Timeout, code, err)
			return res
		}
		if !engine.IsTransient(err) || attempt > 1 {
			if code == "" {
				code = "engine_failure"
			}
			res.Failure = failure.Wrap(st.Name, failure.EngineError, code, err)
			return res
		}

		res.Retries++
		metrics.IncStageRetry(st.Name)
		slog.Warn("Transient engine error, retrying", "stage", st.Name, "engine", st.Engine, "code", code, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-budget.Done():
			timer.Stop()
			res.Failure = failure.FromContext(st.Name, budget.Err())
			return res
		case <-timer.C:
		}
	}
}

// invoke runs call on its own goroutine and gives up on it when ctx ends. The
// abandoned call sees ctx cancelled and its result is dropped.
func invoke(ctx context.Context, call Call, input string) (string, error) {
	type outcome struct {
		out string
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		out, err := call(ctx, input)
		ch <- outcome{out, err}
	}()
	select {
	case o := <-ch:
		return o.out, o.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// IsTimeout reports whether a result failed on its time budget.
func (r Result) IsTimeout() bool {
	return r.Failure != nil && r.Failure.Kind == failure.Timeout
}
