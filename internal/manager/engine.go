package manager

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/loykin/provoice/internal/health"
	"github.com/loykin/provoice/internal/metrics"
	"github.com/loykin/provoice/internal/process"
)

// EngineSpec describes one engine server known to the manager. An engine without a
// Command is external: it is probed but never launched.
type EngineSpec struct {
	Name          string   `json:"name" mapstructure:"name"`
	Command       string   `json:"command" mapstructure:"command"`
	WorkDir       string   `json:"workdir" mapstructure:"workdir"`
	Env           []string `json:"env" mapstructure:"env"`
	HealthURL     string   `json:"health_url" mapstructure:"health_url"`
	HealthCommand string   `json:"health_command" mapstructure:"health_command"`
	// Eager engines are started when the supervisor starts instead of on first use.
	Eager bool `json:"eager" mapstructure:"eager"`
}

// Validate checks the parts of the spec the manager relies on.
func (s EngineSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("engine requires name")
	}
	if s.Command == "" && s.HealthURL == "" && s.HealthCommand == "" {
		return fmt.Errorf("engine %s: external engine requires health_url or health_command", s.Name)
	}
	return nil
}

// State is the lifecycle state of a managed engine process.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Engine is the manager's record of one engine. Only the manager mutates it.
type Engine struct {
	spec    EngineSpec
	proc    *process.Process // nil for external engines
	monitor *health.Monitor

	// ops serializes launch, restart and stop of this engine.
	ops   sync.Mutex
	group singleflight.Group

	mu        sync.Mutex
	state     State
	launches  int
	restarts  int
	exhausted bool
	lastStart time.Time
}

func (e *Engine) Name() string { return e.spec.Name }

func (e *Engine) external() bool { return e.proc == nil }

func (e *Engine) setState(to State) {
	e.mu.Lock()
	from := e.state
	e.state = to
	e.mu.Unlock()
	if from == to {
		return
	}
	metrics.RecordStateTransition(e.spec.Name, string(from), string(to))
	slog.Debug("Engine state changed", "engine", e.spec.Name, "from", from, "to", to)
}

func (e *Engine) getState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) isExhausted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exhausted
}

// usable reports whether the engine can take a request without any lifecycle work.
func (e *Engine) usable() bool {
	if !e.monitor.Status().Ready() {
		return false
	}
	return e.external() || e.proc.Alive()
}

// reserveLaunch books one launch against the restart budget. Every launch after the
// first is a restart. It returns false once the budget is used up.
func (e *Engine) reserveLaunch(maxRestarts int) (restart bool, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exhausted {
		return false, false
	}
	if e.launches > 0 {
		if e.restarts >= maxRestarts {
			e.exhausted = true
			return true, false
		}
		e.restarts++
		restart = true
	}
	e.launches++
	e.lastStart = time.Now()
	return restart, true
}

// EngineStatus is a point-in-time view of an engine.
type EngineStatus struct {
	Name      string         `json:"name"`
	External  bool           `json:"external"`
	State     State          `json:"state"`
	PID       int            `json:"pid,omitempty"`
	Launches  int            `json:"launches"`
	Restarts  int            `json:"restarts"`
	Exhausted bool           `json:"exhausted"`
	StartedAt time.Time      `json:"started_at,omitempty"`
	Exit      string         `json:"exit,omitempty"`
	Probe     string         `json:"probe"`
	Health    health.Status  `json:"health"`
	Usage     *metrics.Usage `json:"usage,omitempty"`
}

func (e *Engine) status() EngineStatus {
	e.mu.Lock()
	st := EngineStatus{
		Name:      e.spec.Name,
		External:  e.external(),
		State:     e.state,
		Launches:  e.launches,
		Restarts:  e.restarts,
		Exhausted: e.exhausted,
		StartedAt: e.lastStart,
	}
	e.mu.Unlock()
	if e.proc != nil {
		snap := e.proc.Snapshot()
		if snap.Running {
			st.PID = snap.PID
		}
		st.Exit = snap.Exit
		if st.State == StateRunning && !snap.Running {
			st.State = StateStopped
		}
	}
	st.Probe = e.monitor.Describe()
	st.Health = e.monitor.Status()
	return st
}
