// Package manager owns the engine server processes: it launches them on demand, waits
// for readiness, restarts them within a budget and stops them on shutdown.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/loykin/provoice/internal/env"
	"github.com/loykin/provoice/internal/health"
	"github.com/loykin/provoice/internal/history"
	"github.com/loykin/provoice/internal/logger"
	"github.com/loykin/provoice/internal/metrics"
	"github.com/loykin/provoice/internal/process"
)

var (
	ErrUnknownEngine     = errors.New("unknown engine")
	ErrStartupTimeout    = errors.New("engine not ready within startup grace")
	ErrStartupExited     = errors.New("engine exited during startup")
	ErrExhaustedRestarts = errors.New("engine restart budget exhausted")
)

// Lifecycle error codes, as reported in stage failures.
const (
	CodeStartupTimeout    = "startup_timeout"
	CodeStartupExited     = "startup_exited"
	CodeExhaustedRestarts = "exhausted_restarts"
	CodeUnknownEngine     = "unknown_engine"
)

// CodeOf maps a lifecycle error to its code, or "" for other errors.
func CodeOf(err error) string {
	switch {
	case errors.Is(err, ErrStartupTimeout):
		return CodeStartupTimeout
	case errors.Is(err, ErrStartupExited):
		return CodeStartupExited
	case errors.Is(err, ErrExhaustedRestarts):
		return CodeExhaustedRestarts
	case errors.Is(err, ErrUnknownEngine):
		return CodeUnknownEngine
	}
	return ""
}

// Options are the lifecycle parameters shared by every engine.
type Options struct {
	StartupGrace      time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	MaxRestarts       int
	StopGrace         time.Duration
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
	FailureThreshold  int
	// PIDDir, when set, holds one <engine>.pid file per launched engine.
	PIDDir string
	// Log captures engine stdout/stderr.
	Log logger.FileConfig
	// Env holds variables added to every engine's environment.
	Env *env.Env
	// History receives engine lifecycle events.
	History history.Sink
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		StartupGrace:      60 * time.Second,
		BackoffInitial:    500 * time.Millisecond,
		BackoffMax:        5 * time.Second,
		BackoffMultiplier: 2,
		MaxRestarts:       3,
		StopGrace:         5 * time.Second,
		ProbeInterval:     10 * time.Second,
		ProbeTimeout:      health.DefaultProbeTimeout,
		FailureThreshold:  3,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.StartupGrace <= 0 {
		o.StartupGrace = d.StartupGrace
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = d.BackoffInitial
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = o.BackoffInitial
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = d.BackoffMultiplier
	}
	if o.MaxRestarts < 0 {
		o.MaxRestarts = 0
	}
	if o.StopGrace <= 0 {
		o.StopGrace = d.StopGrace
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = d.ProbeInterval
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = d.ProbeTimeout
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = d.FailureThreshold
	}
	if o.Env == nil {
		o.Env = env.New()
	}
	return o
}

// Manager starts, stops, and monitors engine processes.
type Manager struct {
	opts Options

	mu      sync.RWMutex
	engines map[string]*Engine
}

func New(opts Options) *Manager {
	return &Manager{opts: opts.withDefaults(), engines: make(map[string]*Engine)}
}

// Options returns the effective lifecycle options.
func (m *Manager) Options() Options { return m.opts }

// Add registers an engine with a probe derived from its spec.
func (m *Manager) Add(spec EngineSpec) error {
	return m.AddWithProbe(spec, ProbeFor(spec, m.opts.ProbeTimeout))
}

// AddWithProbe registers an engine checked by probe.
func (m *Manager) AddWithProbe(spec EngineSpec, probe health.Probe) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	e := &Engine{
		spec:    spec,
		monitor: health.NewMonitor(spec.Name, probe, m.opts.ProbeTimeout),
		state:   StateStopped,
	}
	if spec.Command != "" {
		ps := process.Spec{
			Name:    spec.Name,
			Command: spec.Command,
			WorkDir: spec.WorkDir,
			Env:     m.opts.Env.Merge(spec.Env),
			Log:     m.opts.Log,
		}
		if m.opts.PIDDir != "" {
			dir, err := filepath.Abs(m.opts.PIDDir)
			if err != nil {
				return fmt.Errorf("pid dir: %w", err)
			}
			ps.PIDFile = filepath.Join(dir, spec.Name+".pid")
		}
		if err := ps.Validate(); err != nil {
			return err
		}
		e.proc = process.New(ps)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.engines[spec.Name]; ok {
		return fmt.Errorf("engine %s already registered", spec.Name)
	}
	m.engines[spec.Name] = e
	return nil
}

// ProbeFor picks the readiness probe of an engine: its health URL, else its health
// command, else process liveness.
func ProbeFor(spec EngineSpec, timeout time.Duration) health.Probe {
	switch {
	case spec.HealthURL != "":
		return health.HTTPProbe{URL: spec.HealthURL, Client: health.HTTPClient(timeout)}
	case spec.HealthCommand != "":
		return health.CommandProbe{Command: spec.HealthCommand}
	default:
		return health.ProbeFunc(func(context.Context) error { return nil })
	}
}

func (m *Manager) engine(name string) (*Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.engines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, name)
	}
	return e, nil
}

// Has reports whether name is a registered engine.
func (m *Manager) Has(name string) bool {
	_, err := m.engine(name)
	return err == nil
}

func (m *Manager) list() []*Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].spec.Name < out[j].spec.Name })
	return out
}

// EnsureRunning returns once the engine is ready, launching it if needed. Concurrent
// callers share one startup. If ctx ends first, the caller gets ctx.Err() while the
// startup carries on, bounded by the startup grace.
func (m *Manager) EnsureRunning(ctx context.Context, name string) error {
	e, err := m.engine(name)
	if err != nil {
		return err
	}
	if e.isExhausted() {
		return fmt.Errorf("%s: %w", name, ErrExhaustedRestarts)
	}
	if e.usable() {
		return nil
	}
	return m.shared(ctx, e, "ensure", func(octx context.Context) error {
		return m.ensure(octx, e)
	})
}

// Restart stops the engine, forgets its health and brings it back up.
func (m *Manager) Restart(ctx context.Context, name string) error {
	e, err := m.engine(name)
	if err != nil {
		return err
	}
	if e.isExhausted() {
		return fmt.Errorf("%s: %w", name, ErrExhaustedRestarts)
	}
	return m.shared(ctx, e, "restart", func(octx context.Context) error {
		return m.restart(octx, e)
	})
}

func (m *Manager) shared(ctx context.Context, e *Engine, key string, op func(context.Context) error) error {
	ch := e.group.DoChan(key, func() (any, error) {
		return nil, op(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) ensure(ctx context.Context, e *Engine) error {
	e.ops.Lock()
	defer e.ops.Unlock()
	if e.isExhausted() {
		return fmt.Errorf("%s: %w", e.spec.Name, ErrExhaustedRestarts)
	}
	if e.usable() {
		return nil
	}
	return m.bringUp(ctx, e)
}

func (m *Manager) restart(ctx context.Context, e *Engine) error {
	e.ops.Lock()
	defer e.ops.Unlock()
	slog.Info("Restarting engine", "engine", e.spec.Name)
	if err := m.stopLocked(e, "restart"); err != nil {
		return err
	}
	e.monitor.Reset()
	return m.bringUp(ctx, e)
}

// bringUp must be called with e.ops held. The startup grace starts once the process is
// launched, so stale cleanup does not count against it.
func (m *Manager) bringUp(ctx context.Context, e *Engine) error {
	if !e.external() && !e.proc.Alive() {
		if err := m.launch(e); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.StartupGrace)
	defer cancel()

	if e.external() {
		return m.awaitReady(ctx, e, nil)
	}
	// An engine found alive here was launched earlier but is not known ready, e.g.
	// after failed probes.
	if err := m.awaitReady(ctx, e, e.proc.Done()); err != nil {
		m.abandon(e, err)
		return err
	}
	return nil
}

func (m *Manager) launch(e *Engine) error {
	name := e.spec.Name
	restart, ok := e.reserveLaunch(m.opts.MaxRestarts)
	if !ok {
		m.exhaust(e)
		return fmt.Errorf("%s: %w", name, ErrExhaustedRestarts)
	}
	if pf := e.proc.Spec().PIDFile; pf != "" {
		pid, err := process.KillStale(pf, m.opts.StopGrace)
		if err != nil {
			// a second server next to the leftover would compete for the same memory
			reason := fmt.Sprintf("stale engine cleanup: %v", err)
			e.setState(StateStopped)
			e.monitor.MarkUnreachable(reason)
			slog.Error("Failed to clean up stale engine", "engine", name, "pid_file", pf, "error", err)
			return fmt.Errorf("%w: %s", ErrStartupExited, reason)
		}
		if pid > 0 {
			slog.Warn("Stopped stale engine left by a previous session", "engine", name, "pid", pid)
		}
	}

	e.setState(StateStarting)
	e.monitor.MarkStarting()
	if err := e.proc.Start(); err != nil {
		e.setState(StateStopped)
		e.monitor.MarkUnreachable(err.Error())
		slog.Error("Failed to launch engine", "engine", name, "error", err)
		return fmt.Errorf("%w: %v", ErrStartupExited, err)
	}
	metrics.IncLaunch(name)
	if restart {
		metrics.IncRestart(name)
	}
	pid := e.proc.PID()
	slog.Info("Engine launched", "engine", name, "pid", pid, "restart", restart)
	history.Emit(m.opts.History, history.Event{
		Type:   history.EventEngineStart,
		Record: history.Record{Subject: name, PID: pid, Outcome: "launched"},
	})
	go m.observeExit(e, pid)
	return nil
}

// observeExit records the end of one launch.
func (m *Manager) observeExit(e *Engine, pid int) {
	<-e.proc.Done()
	snap := e.proc.Snapshot()
	if e.getState() != StateStopping {
		slog.Warn("Engine exited", "engine", e.spec.Name, "pid", pid, "exit", snap.Exit)
	}
	history.Emit(m.opts.History, history.Event{
		Type: history.EventEngineStop,
		Record: history.Record{
			Subject:    e.spec.Name,
			PID:        pid,
			Outcome:    "exited",
			Detail:     snap.Exit,
			DurationMS: snap.StoppedAt.Sub(snap.StartedAt).Milliseconds(),
		},
	})
}

// awaitReady polls the monitor with exponential backoff until the engine is ready, the
// process exits (exited is closed) or ctx ends.
func (m *Manager) awaitReady(ctx context.Context, e *Engine, exited <-chan struct{}) error {
	name := e.spec.Name
	delay := m.opts.BackoffInitial
	for {
		if exited != nil {
			select {
			case <-exited:
				return m.exitedErr(e)
			default:
			}
		}
		st := e.monitor.Check(ctx)
		if st.Ready() {
			e.setState(StateRunning)
			slog.Info("Engine ready", "engine", name)
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s after %s (last error: %s): %w", name, m.opts.StartupGrace, st.LastError, ErrStartupTimeout)
		case <-exited:
			timer.Stop()
			return m.exitedErr(e)
		case <-timer.C:
		}
		delay = nextBackoff(delay, m.opts.BackoffMultiplier, m.opts.BackoffMax)
	}
}

func (m *Manager) exitedErr(e *Engine) error {
	return fmt.Errorf("%s (%s): %w", e.spec.Name, e.proc.Snapshot().Exit, ErrStartupExited)
}

func nextBackoff(d time.Duration, mult float64, limit time.Duration) time.Duration {
	next := time.Duration(float64(d) * mult)
	if next > limit {
		return limit
	}
	return next
}

// abandon stops an engine that failed to become ready so it does not hold memory.
func (m *Manager) abandon(e *Engine, cause error) {
	if e.proc != nil {
		if err := m.stopLocked(e, "startup failed"); err != nil {
			slog.Error("Failed to stop engine after startup failure", "engine", e.spec.Name, "error", err)
		}
	}
	e.monitor.MarkUnreachable(cause.Error())
	slog.Error("Engine startup failed", "engine", e.spec.Name, "error", cause)
}

func (m *Manager) exhaust(e *Engine) {
	name := e.spec.Name
	if e.proc != nil && e.proc.Alive() {
		_ = m.stopLocked(e, "restart budget exhausted")
	}
	e.setState(StateStopped)
	e.monitor.MarkUnreachable(ErrExhaustedRestarts.Error())
	slog.Error("Engine restart budget exhausted", "engine", name, "max_restarts", m.opts.MaxRestarts)
	history.Emit(m.opts.History, history.Event{
		Type:   history.EventEngineExhausted,
		Record: history.Record{Subject: name, Outcome: "exhausted", Code: CodeExhaustedRestarts},
	})
}

// Stop terminates a managed engine. Stopping an external or stopped engine is a no-op.
func (m *Manager) Stop(name string) error {
	e, err := m.engine(name)
	if err != nil {
		return err
	}
	e.ops.Lock()
	defer e.ops.Unlock()
	if err := m.stopLocked(e, "requested"); err != nil {
		return err
	}
	e.monitor.Reset()
	return nil
}

// stopLocked must be called with e.ops held.
func (m *Manager) stopLocked(e *Engine, reason string) error {
	if e.proc == nil || !e.proc.Alive() {
		e.setState(StateStopped)
		return nil
	}
	e.setState(StateStopping)
	slog.Info("Stopping engine", "engine", e.spec.Name, "pid", e.proc.PID(), "reason", reason)
	err := e.proc.Stop(m.opts.StopGrace)
	e.setState(StateStopped)
	if err != nil {
		return fmt.Errorf("stop %s: %w", e.spec.Name, err)
	}
	return nil
}

// StartEager starts every engine marked eager. Failures are logged and returned together.
func (m *Manager) StartEager(ctx context.Context) error {
	var result *multierror.Error
	for _, e := range m.list() {
		if !e.spec.Eager {
			continue
		}
		if err := m.EnsureRunning(ctx, e.spec.Name); err != nil {
			slog.Error("Eager engine start failed", "engine", e.spec.Name, "error", err)
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Shutdown stops every managed engine and reports every failure.
func (m *Manager) Shutdown() error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	for _, e := range m.list() {
		if e.proc == nil {
			continue
		}
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			e.ops.Lock()
			err := m.stopLocked(e, "shutdown")
			e.ops.Unlock()
			if err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}(e)
	}
	wg.Wait()
	return result.ErrorOrNil()
}

// Status returns the view of one engine.
func (m *Manager) Status(name string) (EngineStatus, error) {
	e, err := m.engine(name)
	if err != nil {
		return EngineStatus{}, err
	}
	return e.status(), nil
}

// Statuses returns every engine sorted by name.
func (m *Manager) Statuses() []EngineStatus {
	engines := m.list()
	out := make([]EngineStatus, 0, len(engines))
	for _, e := range engines {
		out = append(out, e.status())
	}
	return out
}

// Health returns the cached health of an engine without probing.
func (m *Manager) Health(name string) (health.Status, error) {
	e, err := m.engine(name)
	if err != nil {
		return health.Status{}, err
	}
	return e.monitor.Status(), nil
}

// PIDs maps each live managed engine to its PID, for resource sampling.
func (m *Manager) PIDs() map[string]int32 {
	out := make(map[string]int32)
	for _, e := range m.list() {
		if e.proc == nil || !e.proc.Alive() {
			continue
		}
		out[e.spec.Name] = int32(e.proc.PID())
	}
	return out
}
