// Package provoice supervises a local speech pipeline: audio is transcribed by one
// engine and the transcript is answered by another, with both engine servers started,
// health-checked and restarted on demand.
package provoice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/provoice/internal/config"
	"github.com/loykin/provoice/internal/engine"
	"github.com/loykin/provoice/internal/env"
	"github.com/loykin/provoice/internal/failure"
	"github.com/loykin/provoice/internal/history"
	"github.com/loykin/provoice/internal/history/factory"
	"github.com/loykin/provoice/internal/manager"
	"github.com/loykin/provoice/internal/metrics"
	"github.com/loykin/provoice/internal/pipeline"
	"github.com/loykin/provoice/internal/server"
	itls "github.com/loykin/provoice/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Run = pipeline.Run

type Failure = failure.Error

type EngineStatus = manager.EngineStatus

type EngineSpec = manager.EngineSpec

type HistorySink = history.Sink

// LoadConfig reads a TOML configuration file; an empty path yields the defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// DefaultConfig returns a configuration with every value set.
func DefaultConfig() *Config { return config.Default() }

// Supervisor owns the engines and the pipeline built from one configuration.
type Supervisor struct {
	cfg     *config.Config
	mgr     *manager.Manager
	coord   *pipeline.Coordinator
	sampler *metrics.Sampler
	history history.Sink

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// Option customizes a Supervisor before it is built.
type Option func(*options)

type options struct {
	transcriber engine.Transcriber
	generator   engine.Generator
	history     history.Sink
}

// WithTranscriber replaces the transcriber described by the configuration.
func WithTranscriber(t engine.Transcriber) Option { return func(o *options) { o.transcriber = t } }

// WithGenerator replaces the generator described by the configuration.
func WithGenerator(g engine.Generator) Option { return func(o *options) { o.generator = g } }

// WithHistory adds a history sink next to the one configured by DSN. Close closes it
// if it implements io.Closer.
func WithHistory(s HistorySink) Option { return func(o *options) { o.history = s } }

// New validates cfg and wires the supervisor. Nothing is started until Start or the
// first submission.
func New(cfg *Config, opts ...Option) (*Supervisor, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	globals, err := cfg.GlobalEnv()
	if err != nil {
		return nil, err
	}
	engineEnv := env.FromList(globals)

	var sinks history.Multi
	if cfg.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if o.history != nil {
		sinks = append(sinks, o.history)
	}
	var sink history.Sink
	if len(sinks) > 0 {
		sink = sinks
	}

	lc := cfg.Lifecycle
	mgr := manager.New(manager.Options{
		StartupGrace:      lc.StartupGrace,
		BackoffInitial:    lc.BackoffInitial,
		BackoffMax:        lc.BackoffMax,
		BackoffMultiplier: lc.BackoffMultiplier,
		MaxRestarts:       lc.MaxRestarts,
		StopGrace:         lc.StopGrace,
		ProbeInterval:     lc.ProbeInterval,
		ProbeTimeout:      lc.ProbeTimeout,
		FailureThreshold:  lc.FailureThreshold,
		PIDDir:            lc.PIDDir,
		Log:               cfg.Logger().File,
		Env:               engineEnv,
		History:           sink,
	})
	for _, spec := range cfg.Engines {
		if err := mgr.Add(spec); err != nil {
			closeSink(sink)
			return nil, err
		}
	}

	tr := o.transcriber
	if tr == nil {
		if tr, err = NewTranscriber(cfg.Transcription, engineEnv.Merge(nil)); err != nil {
			closeSink(sink)
			return nil, err
		}
	}
	gen := o.generator
	if gen == nil {
		if gen, err = NewGenerator(cfg.Generation); err != nil {
			closeSink(sink)
			return nil, err
		}
	}

	p := cfg.Pipeline
	coord := pipeline.New(pipeline.Config{
		Workers:           p.Workers,
		AdmissionWait:     p.AdmissionWait,
		TranscribeTimeout: p.TranscribeTimeout,
		GenerateTimeout:   p.GenerateTimeout,
		RunTimeout:        p.RunTimeout,
		RetryDelay:        p.RetryDelay,
		PromptTemplate:    p.PromptTemplate,
		NoSpeechMessage:   p.NoSpeechMessage,
		TranscribeEngine:  cfg.Transcription.Engine,
		GenerateEngine:    cfg.Generation.Engine,
	}, pipeline.Deps{Transcriber: tr, Generator: gen, Lifecycle: mgr, History: sink})

	return &Supervisor{
		cfg:     cfg,
		mgr:     mgr,
		coord:   coord,
		sampler: metrics.NewSampler(cfg.Metrics.SampleInterval, mgr.PIDs),
		history: sink,
	}, nil
}

// NewTranscriber builds the transcription adapter for tc. envList is the environment
// handed to a command transcriber.
func NewTranscriber(tc config.TranscriptionConfig, envList []string) (engine.Transcriber, error) {
	name := tc.Engine
	if name == "" {
		name = tc.Kind
	}
	switch strings.ToLower(tc.Kind) {
	case config.KindCommand:
		return &engine.CommandTranscriber{EngineName: name, Command: tc.Command, Env: envList}, nil
	case config.KindWhisperHTTP:
		return &engine.WhisperHTTPClient{EngineName: name, BaseURL: tc.URL, Model: tc.Model, Language: tc.Language}, nil
	case config.KindOpenAI:
		return &engine.WhisperHTTPClient{EngineName: name, BaseURL: tc.URL, OpenAI: true, Model: tc.Model, APIKey: tc.APIKey, Language: tc.Language}, nil
	}
	return nil, fmt.Errorf("unsupported transcription kind %q", tc.Kind)
}

// NewGenerator builds the text generation adapter for gc.
func NewGenerator(gc config.GenerationConfig) (engine.Generator, error) {
	name := gc.Engine
	if name == "" {
		name = gc.Kind
	}
	switch strings.ToLower(gc.Kind) {
	case config.KindLlama:
		return &engine.LlamaClient{EngineName: name, BaseURL: gc.URL, MaxTokens: gc.MaxTokens, Temperature: gc.Temperature}, nil
	case config.KindOpenAI:
		return &engine.OpenAIClient{
			EngineName: name, BaseURL: gc.URL, Model: gc.Model, APIKey: gc.APIKey,
			System: gc.System, MaxTokens: gc.MaxTokens, Temperature: gc.Temperature,
		}, nil
	}
	return nil, fmt.Errorf("unsupported generation kind %q", gc.Kind)
}

// Config returns the configuration the supervisor was built from.
func (s *Supervisor) Config() *Config { return s.cfg }

// Start registers metrics, starts eager engines and runs the watch loop and resource
// sampler in the background. Eager start failures are logged; those engines are
// retried on first use.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("supervisor closed")
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	if s.cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			slog.Warn("Metrics registration failed", "error", err)
		}
		s.sampler.Start(runCtx)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.mgr.Watch(runCtx)
	}()
	if err := s.mgr.StartEager(ctx); err != nil {
		slog.Warn("Some eager engines did not start", "error", err)
	}
	slog.Info("Supervisor started", "engines", len(s.cfg.Engines), "workers", s.cfg.Pipeline.Workers)
	return nil
}

// Submit runs one audio file through the pipeline.
func (s *Supervisor) Submit(ctx context.Context, audioPath string) *Run {
	return s.coord.Submit(ctx, audioPath)
}

// EnsureRunning starts an engine if needed and waits until it is ready.
func (s *Supervisor) EnsureRunning(ctx context.Context, name string) error {
	return s.mgr.EnsureRunning(ctx, name)
}

// Restart stops and relaunches an engine.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	return s.mgr.Restart(ctx, name)
}

// Statuses returns every engine with its latest resource sample.
func (s *Supervisor) Statuses() []EngineStatus {
	sts := s.mgr.Statuses()
	for i := range sts {
		if u, ok := s.sampler.Latest(sts[i].Name); ok && int(u.PID) == sts[i].PID {
			sts[i].Usage = &u
		}
	}
	return sts
}

// Handler returns the HTTP API. /metrics is mounted on it when metrics are enabled
// without a dedicated listener.
func (s *Supervisor) Handler() http.Handler {
	return server.NewRouter(s.coord, s.mgr, server.Options{
		BasePath:       s.cfg.Server.BasePath,
		UploadDir:      s.cfg.Pipeline.UploadDir,
		MaxUploadBytes: int64(s.cfg.Server.MaxUploadMB) << 20,
		Usage:          s.sampler.Latest,
		Metrics:        s.cfg.Metrics.Enabled && s.cfg.Metrics.Listen == "",
	}).Handler()
}

// NewHTTPServer serves the API on the configured listen address, over TLS when
// [server.tls] is enabled.
func (s *Supervisor) NewHTTPServer() (*http.Server, error) {
	tlsCfg, err := itls.Setup(s.cfg.Server.TLS)
	if err != nil {
		return nil, err
	}
	var writeTimeout time.Duration
	if rt := s.cfg.Pipeline.RunTimeout; rt > 0 {
		writeTimeout = rt + 10*time.Second
	}
	srv, err := server.NewServer(s.cfg.Server.Listen, s.Handler(), tlsCfg, writeTimeout)
	if err != nil {
		return nil, err
	}
	slog.Info("HTTP API listening", "addr", srv.Addr, "base_path", s.cfg.Server.BasePath, "tls", tlsCfg != nil)
	return srv, nil
}

// Close stops the background loops, every managed engine and the history sink.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.sampler.Stop()
	s.wg.Wait()

	var result *multierror.Error
	if err := s.mgr.Shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := closeSink(s.history); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func closeSink(sink history.Sink) error {
	var result *multierror.Error
	sinks, ok := sink.(history.Multi)
	if !ok {
		sinks = history.Multi{sink}
	}
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// ServeMetrics serves /metrics from the default registry on its own listener.
func ServeMetrics(addr string) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return server.NewServer(addr, mux, nil, 10*time.Second)
}
