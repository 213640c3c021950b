// Package pipeline sequences transcription and generation for one audio input under
// admission control.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/provoice/internal/admission"
	"github.com/loykin/provoice/internal/engine"
	"github.com/loykin/provoice/internal/failure"
	"github.com/loykin/provoice/internal/history"
	"github.com/loykin/provoice/internal/metrics"
	"github.com/loykin/provoice/internal/stage"
)

// DefaultNoSpeechMessage is the response of a run whose transcript is empty.
const DefaultNoSpeechMessage = "no speech detected"

// Config holds the coordinator's limits and stage policies.
type Config struct {
	Workers           int
	AdmissionWait     time.Duration
	TranscribeTimeout time.Duration
	GenerateTimeout   time.Duration
	// RunTimeout is the overall deadline applied when the caller's context has none.
	RunTimeout      time.Duration
	RetryDelay      time.Duration
	PromptTemplate  string
	NoSpeechMessage string
	// TranscribeEngine and GenerateEngine name the managed engines the stages depend
	// on; empty means the stage needs no lifecycle management.
	TranscribeEngine string
	GenerateEngine   string
}

// Deps are the collaborators of a coordinator. Lifecycle and History may be nil.
type Deps struct {
	Transcriber engine.Transcriber
	Generator   engine.Generator
	Lifecycle   stage.Lifecycle
	History     history.Sink
}

// Coordinator runs pipeline requests. It is safe for concurrent use.
type Coordinator struct {
	cfg        Config
	pool       *admission.Pool
	exec       *stage.Executor
	transcribe stage.Stage
	generate   stage.Stage
	history    history.Sink
}

func New(cfg Config, deps Deps) *Coordinator {
	if cfg.NoSpeechMessage == "" {
		cfg.NoSpeechMessage = DefaultNoSpeechMessage
	}
	if cfg.PromptTemplate == "" {
		cfg.PromptTemplate = TranscriptPlaceholder
	}
	return &Coordinator{
		cfg:        cfg,
		pool:       admission.New(cfg.Workers, cfg.AdmissionWait),
		exec:       stage.NewExecutor(deps.Lifecycle),
		transcribe: stage.TranscribeStage(deps.Transcriber, cfg.TranscribeEngine, cfg.TranscribeTimeout, cfg.RetryDelay),
		generate:   stage.GenerateStage(deps.Generator, cfg.GenerateEngine, cfg.GenerateTimeout, cfg.RetryDelay),
		history:    deps.History,
	}
}

// Admission returns the admission pool counters.
func (c *Coordinator) Admission() admission.Stats { return c.pool.Stats() }

// Submit runs the pipeline for audioPath and returns the finished run. Failures are
// reported in Run.Failure, never as a panic or a missing run.
func (c *Coordinator) Submit(ctx context.Context, audioPath string) *Run {
	run := newRun(audioPath)
	if _, ok := ctx.Deadline(); !ok && c.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RunTimeout)
		defer cancel()
	}
	defer c.finish(run)

	slot, err := c.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, admission.ErrOverloaded) {
			run.fail(failure.Wrap(failure.StageAdmission, failure.Overloaded, "", err))
		} else {
			run.fail(failure.FromContext(failure.StageAdmission, err))
		}
		return run
	}
	defer slot.Release()

	info, err := ValidateInput(audioPath)
	if err != nil {
		var fe *failure.Error
		if !errors.As(err, &fe) {
			fe = failure.Wrap(failure.StageInput, failure.InvalidInput, "", err)
		}
		run.fail(fe)
		return run
	}
	run.Audio = &info

	run.State = Transcribing
	res := c.exec.Run(ctx, c.transcribe, stage.Request{Input: audioPath})
	run.Stages = append(run.Stages, res)
	if !res.OK() {
		run.fail(res.Failure)
		return run
	}
	run.Transcript = strings.TrimSpace(res.Output)
	if run.Transcript == "" {
		run.NoSpeech = true
		run.Response = c.cfg.NoSpeechMessage
		run.State = Completed
		return run
	}

	run.Prompt = BuildPrompt(c.cfg.PromptTemplate, run.Transcript)
	run.State = Generating
	res = c.exec.Run(ctx, c.generate, stage.Request{Input: run.Prompt})
	run.Stages = append(run.Stages, res)
	if !res.OK() {
		run.fail(res.Failure)
		return run
	}
	run.Response = res.Output
	run.State = Completed
	return run
}

func (c *Coordinator) finish(run *Run) {
	run.FinishedAt = time.Now()
	run.Elapsed = run.FinishedAt.Sub(run.SubmittedAt)
	outcome := run.Outcome()
	metrics.ObserveRun(outcome, run.Elapsed.Seconds())

	rec := history.Record{Subject: run.ID, Outcome: outcome, DurationMS: run.Elapsed.Milliseconds()}
	if run.Failure != nil {
		rec.Stage = run.Failure.Stage
		rec.Code = run.Failure.Code
		rec.Detail = run.Failure.Error()
		slog.Warn("Pipeline run failed", "run", run.ID, "stage", run.Failure.Stage, "reason", run.Failure.Kind, "code", run.Failure.Code, "elapsed", run.Elapsed, "error", run.Failure)
	} else {
		slog.Info("Pipeline run completed", "run", run.ID, "no_speech", run.NoSpeech, "elapsed", run.Elapsed)
	}
	history.Emit(c.history, history.Event{Type: history.EventRun, OccurredAt: run.FinishedAt.UTC(), Record: rec})
}
