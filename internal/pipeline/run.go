package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/loykin/provoice/internal/failure"
	"github.com/loykin/provoice/internal/stage"
)

// State of a pipeline run.
type State string

const (
	Queued       State = "queued"
	Transcribing State = "transcribing"
	Generating   State = "generating"
	Completed    State = "completed"
	Failed       State = "failed"
)

// Run is one end-to-end request. It is owned by the goroutine executing Submit and
// handed to the caller once finished.
type Run struct {
	ID          string         `json:"id"`
	Input       string         `json:"input"`
	State       State          `json:"state"`
	Audio       *AudioInfo     `json:"audio,omitempty"`
	Stages      []stage.Result `json:"stages"`
	Transcript  string         `json:"transcript,omitempty"`
	Prompt      string         `json:"-"`
	Response    string         `json:"response,omitempty"`
	NoSpeech    bool           `json:"no_speech,omitempty"`
	Failure     *failure.Error `json:"failure,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Elapsed     time.Duration  `json:"elapsed_ns"`
}

func newRun(input string) *Run {
	return &Run{
		ID:          uuid.NewString(),
		Input:       input,
		State:       Queued,
		Stages:      []stage.Result{},
		SubmittedAt: time.Now(),
	}
}

// Err returns the run failure as an error, or nil for a completed run.
func (r *Run) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

// Stage returns the result of the named stage, if it ran.
func (r *Run) Stage(name string) (stage.Result, bool) {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return stage.Result{}, false
}

func (r *Run) fail(f *failure.Error) {
	r.State = Failed
	r.Failure = f
}

// Outcome is the label used for metrics and history.
func (r *Run) Outcome() string {
	switch {
	case r.Failure != nil:
		return string(r.Failure.Kind)
	case r.NoSpeech:
		return "no_speech"
	default:
		return string(r.State)
	}
}
