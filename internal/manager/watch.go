package manager

import (
	"context"
	"log/slog"
	"time"
)

// Watch re-probes engines every probe interval until ctx ends. A running engine whose
// process died, or whose probe failed failure_threshold times in a row, is restarted
// within the restart budget. External engines are only probed.
func (m *Manager) Watch(ctx context.Context) {
	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce runs one watch pass over every engine.
func (m *Manager) CheckOnce(ctx context.Context) {
	for _, e := range m.list() {
		if ctx.Err() != nil {
			return
		}
		m.checkEngine(ctx, e)
	}
}

func (m *Manager) checkEngine(ctx context.Context, e *Engine) {
	name := e.spec.Name
	if e.external() {
		e.monitor.Check(ctx)
		return
	}
	if e.isExhausted() || e.getState() != StateRunning {
		return
	}
	if !e.proc.Alive() {
		slog.Warn("Engine process is gone, restarting", "engine", name)
		m.restartFromWatch(ctx, name)
		return
	}
	st := e.monitor.Check(ctx)
	if st.Ready() || st.ConsecutiveFailures < m.opts.FailureThreshold {
		return
	}
	slog.Warn("Engine failed health checks, restarting", "engine", name, "failures", st.ConsecutiveFailures, "error", st.LastError)
	m.restartFromWatch(ctx, name)
}

func (m *Manager) restartFromWatch(ctx context.Context, name string) {
	if err := m.Restart(ctx, name); err != nil {
		slog.Error("Engine restart failed", "engine", name, "error", err)
	}
}
