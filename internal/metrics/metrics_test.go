package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	// idempotent: calling again should be no-op
	require.NoError(t, Register(reg))

	ObserveRun("completed", 1.5)
	ObserveStage("transcribe", "ok", 0.4)
	IncStageRetry("generate")
	IncAdmissionRejected()
	SetAdmissionInFlight(1)
	IncLaunch("gen")
	IncRestart("gen")
	RecordStateTransition("gen", "stopped", "starting")
	SetHealthState("gen", "unknown", "ready")

	mfs, err := reg.Gather()
	require.NoError(t, err)
	wantNames := map[string]bool{
		"provoice_pipeline_runs_total":            false,
		"provoice_pipeline_run_duration_seconds":  false,
		"provoice_stage_duration_seconds":         false,
		"provoice_stage_retries_total":            false,
		"provoice_admission_rejected_total":       false,
		"provoice_admission_in_flight":            false,
		"provoice_engine_launches_total":          false,
		"provoice_engine_restarts_total":          false,
		"provoice_engine_state_transitions_total": false,
		"provoice_engine_health_state":            false,
	}
	for _, mf := range mfs {
		if _, ok := wantNames[mf.GetName()]; ok {
			wantNames[mf.GetName()] = true
			assert.NotEmpty(t, mf.GetMetric(), "metric %s has no samples", mf.GetName())
		}
	}
	for n, ok := range wantNames {
		assert.True(t, ok, "expected to find metric %s", n)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	require.NoError(t, Register(prometheus.DefaultRegisterer))

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncLaunch("x")

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), "provoice_engine_launches_total")
}

func TestConcurrentIncrements(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncLaunch("c")
			IncRestart("c")
			ObserveRun("timeout", 0.1)
		}()
	}
	wg.Wait()
	_, err := reg.Gather()
	require.NoError(t, err)
}

func TestHealthGaugeFlips(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))

	SetHealthState("flip", "", "starting")
	SetHealthState("flip", "starting", "ready")

	mfs, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range mfs {
		if mf.GetName() != "provoice_engine_health_state" {
			continue
		}
		for _, m := range mf.GetMetric() {
			var engine, state string
			for _, lp := range m.GetLabel() {
				switch lp.GetName() {
				case "engine":
					engine = lp.GetValue()
				case "state":
					state = lp.GetValue()
				}
			}
			if engine == "flip" {
				values[state] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 0.0, values["starting"])
	assert.Equal(t, 1.0, values["ready"])
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// no-ops, must not panic
	ObserveRun("completed", 1)
	ObserveStage("s", "ok", 1)
	IncStageRetry("s")
	IncAdmissionRejected()
	SetAdmissionInFlight(0)
	IncLaunch("e")
	IncRestart("e")
	RecordStateTransition("e", "a", "b")
	SetHealthState("e", "a", "b")
	SetEngineUsage("e", Usage{})
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{})
	require.Error(t, err)
	assert.Equal(t, "test registration error", err.Error())
}

type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}

func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }

func TestSampleProcessSelf(t *testing.T) {
	u, err := SampleProcess(int32(os.Getpid()))
	require.NoError(t, err)
	assert.Greater(t, u.RSSBytes, uint64(0))
	assert.Equal(t, int32(os.Getpid()), u.PID)

	_, err = SampleProcess(0)
	assert.Error(t, err)
}

func TestSamplerKeepsLatest(t *testing.T) {
	pid := int32(os.Getpid())
	s := NewSampler(10*time.Millisecond, func() map[string]int32 {
		return map[string]int32{"self": pid, "gone": 0}
	})
	s.SampleOnce()
	u, ok := s.Latest("self")
	require.True(t, ok)
	assert.Equal(t, pid, u.PID)
	_, ok = s.Latest("gone")
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()
	s.Stop()
}
