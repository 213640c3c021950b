package provoice

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/provoice/internal/config"
	"github.com/loykin/provoice/internal/engine"
	"github.com/loykin/provoice/internal/failure"
	"github.com/loykin/provoice/internal/history"
	"github.com/loykin/provoice/internal/manager"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func writeWAV(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(p)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 16000},
		Data:           make([]int, 1600),
		SourceBitDepth: 16,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
	return p
}

type recordingSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *recordingSink) Send(_ context.Context, e history.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) types() []history.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []history.EventType
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// fakeEngines serves a whisper.cpp /inference endpoint and a llama.cpp /completion endpoint.
func fakeEngines(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/inference", func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": " what is the capital of France "})
	})
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]string{"content": "Paris. (" + req.Prompt + ")"})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, engineURL string) *Config {
	t.Helper()
	c := DefaultConfig()
	c.Pipeline.TranscribeTimeout = 2 * time.Second
	c.Pipeline.GenerateTimeout = 2 * time.Second
	c.Pipeline.RetryDelay = 10 * time.Millisecond
	c.Pipeline.PromptTemplate = "Q: {{transcript}}"
	c.Lifecycle.ProbeTimeout = 500 * time.Millisecond
	c.Lifecycle.StartupGrace = 5 * time.Second
	c.Lifecycle.BackoffInitial = 20 * time.Millisecond
	c.Lifecycle.StopGrace = time.Second
	c.Transcription = config.TranscriptionConfig{Kind: config.KindWhisperHTTP, URL: engineURL}
	c.Generation = config.GenerationConfig{Kind: config.KindLlama, URL: engineURL, MaxTokens: 32}
	c.Metrics.Enabled = false
	c.Server.Listen = "127.0.0.1:0"
	return c
}

func TestSupervisorEndToEnd(t *testing.T) {
	srv := fakeEngines(t)
	sink := &recordingSink{}
	s, err := New(testConfig(t, srv.URL), WithHistory(sink))
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()
	require.NoError(t, s.Start(context.Background()))

	run := s.Submit(context.Background(), writeWAV(t))
	require.Nil(t, run.Failure)
	assert.Equal(t, "what is the capital of France", run.Transcript)
	assert.Equal(t, "Paris. (Q: what is the capital of France)", run.Response)
	require.NotNil(t, run.Audio)
	assert.InDelta(t, float64(100*time.Millisecond), float64(run.Audio.Duration), float64(time.Millisecond))
	assert.Contains(t, sink.types(), history.EventRun)
}

func TestSupervisorManagedEngine(t *testing.T) {
	requireUnix(t)
	srv := fakeEngines(t)
	cfg := testConfig(t, srv.URL)
	cfg.Lifecycle.PIDDir = t.TempDir()
	cfg.Engines = []manager.EngineSpec{{Name: "generation-server", Command: "sleep 30", HealthCommand: "true"}}
	cfg.Generation.Engine = "generation-server"

	sink := &recordingSink{}
	s, err := New(cfg, WithHistory(sink))
	require.NoError(t, err)

	sts := s.Statuses()
	require.Len(t, sts, 1)
	assert.Equal(t, manager.StateStopped, sts[0].State)

	run := s.Submit(context.Background(), writeWAV(t))
	require.Nil(t, run.Failure)

	sts = s.Statuses()
	assert.Equal(t, manager.StateRunning, sts[0].State)
	assert.Equal(t, 1, sts[0].Launches)
	assert.NotZero(t, sts[0].PID)

	require.NoError(t, s.Close())
	assert.Equal(t, manager.StateStopped, s.Statuses()[0].State)
	assert.Contains(t, sink.types(), history.EventEngineStart)
	assert.Eventually(t, func() bool {
		for _, typ := range sink.types() {
			if typ == history.EventEngineStop {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSupervisorOverrides(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	s, err := New(cfg,
		WithTranscriber(engine.TranscriberFunc(func(context.Context, string) (string, error) { return "", nil })),
		WithGenerator(engine.GeneratorFunc(func(context.Context, string) (string, error) { return "unused", nil })),
	)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	run := s.Submit(context.Background(), writeWAV(t))
	require.Nil(t, run.Failure)
	assert.True(t, run.NoSpeech)
	assert.Equal(t, cfg.Pipeline.NoSpeechMessage, run.Response)

	run = s.Submit(context.Background(), "")
	require.NotNil(t, run.Failure)
	assert.Equal(t, failure.InvalidInput, run.Failure.Kind)
}

func TestSupervisorEngineUnreachable(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	s, err := New(cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	run := s.Submit(context.Background(), writeWAV(t))
	require.NotNil(t, run.Failure)
	assert.Equal(t, failure.EngineError, run.Failure.Kind)
	assert.Equal(t, "transcribe", run.Failure.Stage)
	st, ok := run.Stage("transcribe")
	require.True(t, ok)
	assert.Equal(t, 2, st.Attempts)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Pipeline.Workers = 0
	_, err := New(cfg)
	assert.ErrorContains(t, err, "pipeline.workers")

	cfg = testConfig(t, "http://127.0.0.1:1")
	cfg.History.DSN = "mysql://nope"
	_, err = New(cfg)
	assert.ErrorContains(t, err, "history sink")
}

func TestAdapterKinds(t *testing.T) {
	tr, err := NewTranscriber(config.TranscriptionConfig{Kind: config.KindCommand, Command: "whisper-cli -f {audio}"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &engine.CommandTranscriber{}, tr)

	tr, err = NewTranscriber(config.TranscriptionConfig{Kind: config.KindOpenAI, URL: "http://x", Engine: "stt"}, nil)
	require.NoError(t, err)
	require.IsType(t, &engine.WhisperHTTPClient{}, tr)
	assert.True(t, tr.(*engine.WhisperHTTPClient).OpenAI)
	assert.Equal(t, "stt", tr.Name())

	_, err = NewTranscriber(config.TranscriptionConfig{Kind: "vosk"}, nil)
	assert.Error(t, err)

	gen, err := NewGenerator(config.GenerationConfig{Kind: config.KindOpenAI, URL: "http://x", Model: "m"})
	require.NoError(t, err)
	assert.IsType(t, &engine.OpenAIClient{}, gen)
	assert.Equal(t, config.KindOpenAI, gen.Name())

	_, err = NewGenerator(config.GenerationConfig{Kind: "gpt4all"})
	assert.Error(t, err)
}

func TestHTTPServerWithTLS(t *testing.T) {
	srv := fakeEngines(t)
	cfg := testConfig(t, srv.URL)
	cfg.Metrics.Enabled = true
	cfg.Server.TLS = config.TLSConfig{Enabled: true, Dir: t.TempDir(), AutoGenerate: true}
	s, err := New(cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.NoError(t, s.Start(context.Background()))

	hs, err := s.NewHTTPServer()
	require.NoError(t, err)
	defer func() { _ = hs.Close() }()

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}} // #nosec G402 test
	resp, err := client.Get("https://" + hs.Addr + "/api/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Get("https://" + hs.Addr + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServeMetrics(t *testing.T) {
	ms, err := ServeMetrics("127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ms.Close() }()
	resp, err := http.Get("http://" + ms.Addr + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
