package client

import (
	"fmt"
	"time"
)

// Failure is the classified failure of a run.
type Failure struct {
	Reason  string `json:"reason"`
	Stage   string `json:"failed_stage"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// StageResult reports one executed stage.
type StageResult struct {
	Stage     string        `json:"stage"`
	Attempts  int           `json:"attempts"`
	Retries   int           `json:"retries"`
	Failure   *Failure      `json:"failure,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// AudioInfo describes the validated input.
type AudioInfo struct {
	Path       string        `json:"path"`
	Size       int64         `json:"size"`
	Format     string        `json:"format"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
	SampleRate int           `json:"sample_rate,omitempty"`
	Channels   int           `json:"channels,omitempty"`
}

// RunResult is the outcome of one pipeline submission.
type RunResult struct {
	ID          string        `json:"id"`
	State       string        `json:"state"`
	Audio       *AudioInfo    `json:"audio,omitempty"`
	Stages      []StageResult `json:"stages"`
	Transcript  string        `json:"transcript,omitempty"`
	Response    string        `json:"response,omitempty"`
	NoSpeech    bool          `json:"no_speech,omitempty"`
	Failure     *Failure      `json:"failure,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Elapsed     time.Duration `json:"elapsed_ns"`

	// HTTPStatus is the status the daemon answered with.
	HTTPStatus int `json:"-"`
}

// OK reports whether the run completed.
func (r *RunResult) OK() bool { return r.Failure == nil }

// HealthStatus is an engine's last probe result.
type HealthStatus struct {
	State               string    `json:"state"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Usage is the last resource sample of an engine process.
type Usage struct {
	PID        int32     `json:"pid"`
	RSSBytes   uint64    `json:"rss_bytes"`
	CPUPercent float64   `json:"cpu_percent"`
	NumThreads int32     `json:"num_threads"`
	SampledAt  time.Time `json:"sampled_at"`
}

// EngineStatus represents the status of a single engine.
type EngineStatus struct {
	Name      string       `json:"name"`
	External  bool         `json:"external"`
	State     string       `json:"state"`
	PID       int          `json:"pid,omitempty"`
	Launches  int          `json:"launches"`
	Restarts  int          `json:"restarts"`
	Exhausted bool         `json:"exhausted"`
	StartedAt time.Time    `json:"started_at,omitempty"`
	Exit      string       `json:"exit,omitempty"`
	Probe     string       `json:"probe"`
	Health    HealthStatus `json:"health"`
	Usage     *Usage       `json:"usage,omitempty"`
}

// AdmissionStats are the daemon's admission counters.
type AdmissionStats struct {
	Size     int   `json:"size"`
	InFlight int   `json:"in_flight"`
	Acquired int64 `json:"acquired"`
	Released int64 `json:"released"`
	Rejected int64 `json:"rejected"`
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status    string         `json:"status"`
	Engines   []EngineStatus `json:"engines"`
	Admission AdmissionStats `json:"admission"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// APIError is returned for requests the daemon rejected.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Message)
}
