package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("connection refused")

func TestMonitorReadyAndFailureCounting(t *testing.T) {
	var fail atomic.Bool
	m := NewMonitor("gen", ProbeFunc(func(ctx context.Context) error {
		if fail.Load() {
			return errDown
		}
		return nil
	}), time.Second)
	assert.Equal(t, Unknown, m.Status().State)

	st := m.Check(context.Background())
	assert.Equal(t, Ready, st.State)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.False(t, st.LastCheckedAt.IsZero())

	fail.Store(true)
	st = m.Check(context.Background())
	assert.Equal(t, Unreachable, st.State)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Contains(t, st.LastError, "connection refused")
	st = m.Check(context.Background())
	assert.Equal(t, 2, st.ConsecutiveFailures)

	fail.Store(false)
	st = m.Check(context.Background())
	assert.Equal(t, Ready, st.State)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Empty(t, st.LastError)
}

func TestMonitorProbeTimeoutIsUnreachable(t *testing.T) {
	m := NewMonitor("slow", ProbeFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), 30*time.Millisecond)
	start := time.Now()
	st := m.Check(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, Unreachable, st.State)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Contains(t, st.LastError, "timed out")
}

func TestMonitorStartingSurvivesFailedProbes(t *testing.T) {
	m := NewMonitor("gen", ProbeFunc(func(ctx context.Context) error { return ErrNotReady }), time.Second)
	m.MarkStarting()
	st := m.Check(context.Background())
	assert.Equal(t, Starting, st.State)
	assert.Equal(t, 1, st.ConsecutiveFailures)

	m.MarkUnreachable("startup timeout")
	st = m.Status()
	assert.Equal(t, Unreachable, st.State)
	assert.Equal(t, "startup timeout", st.LastError)

	m.Reset()
	st = m.Status()
	assert.Equal(t, Unknown, st.State)
	assert.Equal(t, 0, st.ConsecutiveFailures)
}

func TestMonitorSharesInFlightProbe(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	m := NewMonitor("gen", ProbeFunc(func(ctx context.Context) error {
		calls.Add(1)
		<-release
		return nil
	}), 5*time.Second)

	var wg sync.WaitGroup
	results := make(chan Status, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- m.Check(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)
	for st := range results {
		assert.Equal(t, Ready, st.State)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestMonitorDiscardsCheckFromBeforeRestart(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	m := NewMonitor("gen", ProbeFunc(func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			<-release
			return nil
		}
		return errDown
	}), 5*time.Second)

	old := make(chan Status, 1)
	go func() { old <- m.Check(context.Background()) }()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// relaunch while the first probe is still out
	m.Reset()
	m.MarkStarting()
	st := m.Check(context.Background())
	assert.Equal(t, int32(2), calls.Load(), "new epoch must not join the old probe")
	assert.Equal(t, Starting, st.State)

	close(release)
	select {
	case st = <-old:
	case <-time.After(time.Second):
		t.Fatal("old probe did not finish")
	}
	assert.NotEqual(t, Ready, st.State)
	assert.Equal(t, Starting, m.Status().State)
	assert.Equal(t, 1, m.Status().ConsecutiveFailures)
}

func TestMonitorCallerContextReturnsCached(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	m := NewMonitor("gen", ProbeFunc(func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}), 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	st := m.Check(ctx)
	require.Equal(t, Unknown, st.State)
}
