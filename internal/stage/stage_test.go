package stage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/provoice/internal/engine"
	"github.com/loykin/provoice/internal/failure"
	"github.com/loykin/provoice/internal/manager"
)

type fakeLifecycle struct {
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeLifecycle) EnsureRunning(ctx context.Context, _ string) error {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func transient() error {
	return &engine.Error{Engine: "gen", Code: engine.CodeServerError, Status: 503, Transient: true, Err: errors.New("loading")}
}

func scripted(calls *atomic.Int32, errs ...error) Call {
	return func(ctx context.Context, in string) (string, error) {
		n := int(calls.Add(1))
		if n <= len(errs) && errs[n-1] != nil {
			return "", errs[n-1]
		}
		return "out:" + in, nil
	}
}

func TestRunSuccess(t *testing.T) {
	var calls atomic.Int32
	lc := &fakeLifecycle{}
	x := NewExecutor(lc)
	res := x.Run(context.Background(), Stage{Name: Generate, Engine: "gen", Timeout: time.Second, Call: scripted(&calls)}, Request{Input: "hi"})
	require.True(t, res.OK())
	assert.Equal(t, "out:hi", res.Output)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 0, res.Retries)
	assert.Equal(t, int32(1), lc.calls.Load())
	assert.Greater(t, res.Elapsed, time.Duration(0))
}

func TestRunEmptyInputSkipsEngine(t *testing.T) {
	var calls atomic.Int32
	lc := &fakeLifecycle{}
	res := NewExecutor(lc).Run(context.Background(), Stage{Name: Generate, Engine: "gen", Call: scripted(&calls)}, Request{Input: "  \n"})
	require.False(t, res.OK())
	assert.Equal(t, failure.InvalidInput, res.Failure.Kind)
	assert.Equal(t, Generate, res.Failure.Stage)
	assert.Zero(t, calls.Load())
	assert.Zero(t, lc.calls.Load())
	assert.Zero(t, res.Attempts)
}

func TestRunEngineUnreachable(t *testing.T) {
	var calls atomic.Int32
	lc := &fakeLifecycle{err: fmt.Errorf("gen: %w", manager.ErrStartupTimeout)}
	res := NewExecutor(lc).Run(context.Background(), Stage{Name: Generate, Engine: "gen", Call: scripted(&calls)}, Request{Input: "x"})
	require.False(t, res.OK())
	assert.Equal(t, failure.EngineUnreachable, res.Failure.Kind)
	assert.Equal(t, manager.CodeStartupTimeout, res.Failure.Code)
	assert.True(t, errors.Is(res.Failure, manager.ErrStartupTimeout))
	assert.Zero(t, calls.Load())

	lc.err = manager.ErrExhaustedRestarts
	res = NewExecutor(lc).Run(context.Background(), Stage{Name: Generate, Engine: "gen", Call: scripted(&calls)}, Request{Input: "x"})
	assert.Equal(t, manager.CodeExhaustedRestarts, res.Failure.Code)
}

func TestRunCallerDeadlineDuringStartupIsTimeout(t *testing.T) {
	var calls atomic.Int32
	lc := &fakeLifecycle{delay: time.Second}
	res := NewExecutor(lc).Run(context.Background(), Stage{Name: Generate, Engine: "gen", Call: scripted(&calls)},
		Request{Input: "x", Deadline: time.Now().Add(30 * time.Millisecond)})
	require.False(t, res.OK())
	assert.Equal(t, failure.Timeout, res.Failure.Kind)
	assert.Zero(t, calls.Load())
}

func TestRunStartupCountsAgainstStageTimeout(t *testing.T) {
	var calls atomic.Int32
	slow := func(ctx context.Context, in string) (string, error) {
		calls.Add(1)
		select {
		case <-time.After(150 * time.Millisecond):
			return "late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	// readiness alone outlasts the stage
	lc := &fakeLifecycle{delay: 300 * time.Millisecond}
	start := time.Now()
	res := NewExecutor(lc).Run(context.Background(), Stage{Name: Generate, Engine: "gen", Timeout: 200 * time.Millisecond, Call: slow}, Request{Input: "x"})
	require.False(t, res.OK())
	assert.Equal(t, failure.Timeout, res.Failure.Kind)
	assert.Equal(t, "engine_startup", res.Failure.Code)
	assert.Zero(t, calls.Load())
	assert.Less(t, time.Since(start), 280*time.Millisecond)

	// readiness fits, but leaves too little for the call
	lc = &fakeLifecycle{delay: 100 * time.Millisecond}
	start = time.Now()
	res = NewExecutor(lc).Run(context.Background(), Stage{Name: Generate, Engine: "gen", Timeout: 200 * time.Millisecond, Call: slow}, Request{Input: "x"})
	require.False(t, res.OK())
	assert.Equal(t, failure.Timeout, res.Failure.Kind)
	assert.Equal(t, int32(1), calls.Load())
	assert.Less(t, time.Since(start), 280*time.Millisecond)
}

func TestRunTransientRetriedOnce(t *testing.T) {
	var calls atomic.Int32
	st := Stage{Name: Generate, Timeout: time.Second, RetryDelay: 5 * time.Millisecond, Call: scripted(&calls, transient())}
	res := NewExecutor(nil).Run(context.Background(), st, Request{Input: "x"})
	require.True(t, res.OK())
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRunTransientTwiceIsEngineError(t *testing.T) {
	var calls atomic.Int32
	st := Stage{Name: Generate, Timeout: time.Second, RetryDelay: 5 * time.Millisecond, Call: scripted(&calls, transient(), transient(), transient())}
	res := NewExecutor(nil).Run(context.Background(), st, Request{Input: "x"})
	require.False(t, res.OK())
	assert.Equal(t, failure.EngineError, res.Failure.Kind)
	assert.Equal(t, engine.CodeServerError, res.Failure.Code)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRunNonTransientNotRetried(t *testing.T) {
	cases := []error{
		&engine.Error{Engine: "gen", Code: engine.CodeClientError, Status: 400, Err: errors.New("bad")},
		&engine.Error{Engine: "stt", Code: engine.CodeExit, Err: errors.New("exit 1")},
		errors.New("unclassified"),
	}
	for _, e := range cases {
		var calls atomic.Int32
		st := Stage{Name: Transcribe, Timeout: time.Second, Call: scripted(&calls, e)}
		res := NewExecutor(nil).Run(context.Background(), st, Request{Input: "x"})
		require.False(t, res.OK())
		assert.Equal(t, failure.EngineError, res.Failure.Kind)
		assert.NotEmpty(t, res.Failure.Code)
		assert.Equal(t, int32(1), calls.Load())
	}
}

func TestRunTimeoutAbandonsCallAndIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	defer close(release)
	st := Stage{Name: Generate, Timeout: 40 * time.Millisecond, Call: func(ctx context.Context, in string) (string, error) {
		calls.Add(1)
		<-release
		return "late", nil
	}}
	start := time.Now()
	res := NewExecutor(nil).Run(context.Background(), st, Request{Input: "x"})
	require.False(t, res.OK())
	assert.True(t, res.IsTimeout())
	assert.Equal(t, Generate, res.Failure.Stage)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunCallerDeadlineShorterThanStageTimeout(t *testing.T) {
	st := Stage{Name: Generate, Timeout: 5 * time.Second, Call: func(ctx context.Context, in string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	res := NewExecutor(nil).Run(ctx, st, Request{Input: "x"})
	assert.True(t, res.IsTimeout())
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunEngineTimeoutCode(t *testing.T) {
	var calls atomic.Int32
	e := &engine.Error{Engine: "gen", Code: engine.CodeTimeout, Err: errors.New("i/o timeout")}
	res := NewExecutor(nil).Run(context.Background(), Stage{Name: Generate, Timeout: time.Second, Call: scripted(&calls, e)}, Request{Input: "x"})
	assert.True(t, res.IsTimeout())
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := Stage{Name: Generate, Call: func(ctx context.Context, in string) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	}}
	res := NewExecutor(nil).Run(ctx, st, Request{Input: "x"})
	require.False(t, res.OK())
	assert.Equal(t, failure.Canceled, res.Failure.Kind)
}

func TestStageConstructors(t *testing.T) {
	tr := engine.TranscriberFunc(func(ctx context.Context, p string) (string, error) { return "t", nil })
	g := engine.GeneratorFunc(func(ctx context.Context, p string) (string, error) { return "g", nil })
	ts := TranscribeStage(tr, "", time.Second, 0)
	gs := GenerateStage(g, "gen", 2*time.Second, time.Millisecond)
	assert.Equal(t, Transcribe, ts.Name)
	assert.Equal(t, Generate, gs.Name)
	assert.Equal(t, "gen", gs.Engine)

	res := NewExecutor(nil).Run(context.Background(), gs, Request{Input: "p"})
	require.True(t, res.OK())
	assert.Equal(t, "g", res.Output)
}
