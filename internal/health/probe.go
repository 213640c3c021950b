package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/provoice/internal/process"
)

// ErrNotReady is returned by probes that reached the engine but were told it is not
// ready yet (for example a model still loading).
var ErrNotReady = errors.New("engine not ready")

// Probe checks readiness once. A nil error means ready.
// Implementations must honor ctx and be safe for concurrent use.
type Probe interface {
	Check(ctx context.Context) error
	Describe() string
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }
func (f ProbeFunc) Describe() string                { return "func" }

// maxProbeBody bounds how much of a readiness response is read.
const maxProbeBody = 64 << 10

// HTTPProbe issues GET URL. A 2xx answer is ready unless its JSON body carries a
// status other than ok, ready or healthy. llama.cpp answers 503 with
// {"status":"loading model"} while it loads.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func (p HTTPProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return fmt.Errorf("read probe response: %w", err)
	}
	reported := bodyStatus(body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if reported != "" {
			return fmt.Errorf("%w: http %d %s", ErrNotReady, resp.StatusCode, reported)
		}
		return fmt.Errorf("%w: http %d", ErrNotReady, resp.StatusCode)
	}
	switch reported {
	case "", "ok", "ready", "healthy":
		return nil
	default:
		return fmt.Errorf("%w: status %q", ErrNotReady, reported)
	}
}

func (p HTTPProbe) Describe() string { return "http:" + p.URL }

// bodyStatus extracts a "status" string from a JSON body, or "" when there is none.
func bodyStatus(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		return ""
	}
	var v struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(v.Status))
}

// CommandProbe runs a command that should exit 0 when the engine is ready.
type CommandProbe struct{ Command string }

func (p CommandProbe) Check(ctx context.Context) error {
	cmd := process.CommandLine(ctx, p.Command)
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return fmt.Errorf("%w: %s exited %d", ErrNotReady, p.Command, ee.ExitCode())
	}
	return err
}

func (p CommandProbe) Describe() string { return "cmd:" + p.Command }

// HTTPClient returns a client for probes with the given per-request timeout.
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
