package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/loykin/provoice/internal/metrics"
)

// DefaultProbeTimeout bounds a single probe when none is configured.
const DefaultProbeTimeout = 2 * time.Second

// Monitor owns the cached health status of one engine. Callers read the cache or ask
// for a fresh Check; concurrent Checks share one in-flight probe.
//
// Reset and MarkStarting begin a new epoch: probes started before then belong to the
// previous process and their outcome is discarded.
type Monitor struct {
	name    string
	probe   Probe
	timeout time.Duration

	group singleflight.Group

	mu     sync.Mutex
	status Status
	epoch  uint64
}

// NewMonitor returns a monitor in the Unknown state.
func NewMonitor(name string, probe Probe, timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	m := &Monitor{name: name, probe: probe, timeout: timeout, status: Status{State: Unknown}}
	metrics.SetHealthState(name, "", string(Unknown))
	return m
}

func (m *Monitor) Name() string { return m.name }

// Describe names the probe in use.
func (m *Monitor) Describe() string { return m.probe.Describe() }

// Status returns the cached status without probing.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Check probes the engine and returns the updated status. If ctx ends before the
// shared probe finishes, the cached status is returned and the probe keeps running
// to completion in the background.
func (m *Monitor) Check(ctx context.Context) Status {
	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()
	ch := m.group.DoChan("check-"+strconv.FormatUint(epoch, 10), func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		err := m.probe.Check(pctx)
		if err != nil && errors.Is(pctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("probe timed out after %s: %w", m.timeout, err)
		}
		return m.record(epoch, err), nil
	})
	select {
	case res := <-ch:
		return res.Val.(Status)
	case <-ctx.Done():
		return m.Status()
	}
}

// record folds one probe outcome into the cached status unless the probe belongs to
// an earlier epoch.
func (m *Monitor) record(epoch uint64, err error) Status {
	m.mu.Lock()
	if epoch != m.epoch {
		st := m.status
		m.mu.Unlock()
		slog.Debug("Discarding probe result from before restart", "engine", m.name)
		return st
	}
	prev := m.status.State
	m.status.LastCheckedAt = time.Now()
	if err == nil {
		m.status.State = Ready
		m.status.ConsecutiveFailures = 0
		m.status.LastError = ""
	} else {
		m.status.ConsecutiveFailures++
		m.status.LastError = err.Error()
		if prev != Starting {
			m.status.State = Unreachable
		}
	}
	st := m.status
	m.mu.Unlock()
	m.transitioned(prev, st)
	return st
}

// MarkStarting is called by the owner right after launching the engine. Failed
// probes leave the state at Starting until the owner gives up.
func (m *Monitor) MarkStarting() { m.set(Starting, "") }

// MarkUnreachable records that the owner gave up on the engine.
func (m *Monitor) MarkUnreachable(reason string) { m.set(Unreachable, reason) }

// Reset returns the monitor to Unknown, e.g. after the engine was stopped.
func (m *Monitor) Reset() { m.set(Unknown, "") }

func (m *Monitor) set(to State, reason string) {
	m.mu.Lock()
	prev := m.status.State
	m.status.State = to
	if reason != "" {
		m.status.LastError = reason
	}
	if to == Unknown || to == Starting {
		m.status.ConsecutiveFailures = 0
		m.epoch++
	}
	st := m.status
	m.mu.Unlock()
	m.transitioned(prev, st)
}

func (m *Monitor) transitioned(prev State, st Status) {
	if prev == st.State {
		return
	}
	metrics.SetHealthState(m.name, string(prev), string(st.State))
	if st.State == Unreachable {
		slog.Warn("Engine health changed", "engine", m.name, "from", prev, "to", st.State, "failures", st.ConsecutiveFailures, "error", st.LastError)
		return
	}
	slog.Info("Engine health changed", "engine", m.name, "from", prev, "to", st.State)
}
