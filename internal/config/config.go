// Package config loads the supervisor configuration from TOML and PROVOICE_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/loykin/provoice/internal/logger"
	"github.com/loykin/provoice/internal/manager"
)

// EnvPrefix prefixes environment overrides, e.g. PROVOICE_PIPELINE_WORKERS.
const EnvPrefix = "PROVOICE"

// Transcription and generation adapter kinds.
const (
	KindCommand     = "command"
	KindWhisperHTTP = "whisper-http"
	KindOpenAI      = "openai"
	KindLlama       = "llama"
)

// Config is the top-level TOML structure.
type Config struct {
	// Env and EnvFiles add variables to every engine's environment; Env wins.
	Env           []string             `mapstructure:"env"`
	EnvFiles      []string             `mapstructure:"env_files"`
	Pipeline      PipelineConfig       `mapstructure:"pipeline"`
	Lifecycle     LifecycleConfig      `mapstructure:"lifecycle"`
	Transcription TranscriptionConfig  `mapstructure:"transcription"`
	Generation    GenerationConfig     `mapstructure:"generation"`
	Engines       []manager.EngineSpec `mapstructure:"engines"`
	Log           LogConfig            `mapstructure:"log"`
	Server        ServerConfig         `mapstructure:"server"`
	Metrics       MetricsConfig        `mapstructure:"metrics"`
	History       HistoryConfig        `mapstructure:"history"`
}

type PipelineConfig struct {
	Workers           int           `mapstructure:"workers"`
	AdmissionWait     time.Duration `mapstructure:"admission_wait"`
	TranscribeTimeout time.Duration `mapstructure:"transcribe_timeout"`
	GenerateTimeout   time.Duration `mapstructure:"generate_timeout"`
	RunTimeout        time.Duration `mapstructure:"run_timeout"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	PromptTemplate    string        `mapstructure:"prompt_template"`
	NoSpeechMessage   string        `mapstructure:"no_speech_message"`
	UploadDir         string        `mapstructure:"upload_dir"`
}

type LifecycleConfig struct {
	StartupGrace      time.Duration `mapstructure:"startup_grace"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxRestarts       int           `mapstructure:"max_restarts"`
	StopGrace         time.Duration `mapstructure:"stop_grace"`
	ProbeInterval     time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	PIDDir            string        `mapstructure:"pid_dir"`
}

type TranscriptionConfig struct {
	Kind     string `mapstructure:"kind"`
	Command  string `mapstructure:"command"`
	URL      string `mapstructure:"url"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	Language string `mapstructure:"language"`
	Engine   string `mapstructure:"engine"`
}

type GenerationConfig struct {
	Kind        string  `mapstructure:"kind"`
	URL         string  `mapstructure:"url"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	System      string  `mapstructure:"system"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	Engine      string  `mapstructure:"engine"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
	File       string `mapstructure:"file"`
	EngineDir  string `mapstructure:"engine_dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type ServerConfig struct {
	Listen      string    `mapstructure:"listen"`
	BasePath    string    `mapstructure:"base_path"`
	MaxUploadMB int       `mapstructure:"max_upload_mb"`
	TLS         TLSConfig `mapstructure:"tls"`
}

// TLSConfig serves the API over HTTPS. CertFile/KeyFile take precedence over Dir, which
// holds tls.crt and tls.key and may be filled with a self-signed pair on first start.
type TLSConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	MinVersion   string   `mapstructure:"min_version"`
	CommonName   string   `mapstructure:"common_name"`
	DNSNames     []string `mapstructure:"dns_names"`
	ValidDays    int      `mapstructure:"valid_days"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Listen serves /metrics on its own address; empty mounts it on the API server.
	Listen         string        `mapstructure:"listen"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// Default returns a configuration with every value set.
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			Workers:           1,
			AdmissionWait:     2 * time.Second,
			TranscribeTimeout: 30 * time.Second,
			GenerateTimeout:   120 * time.Second,
			RunTimeout:        180 * time.Second,
			RetryDelay:        500 * time.Millisecond,
			PromptTemplate:    "{{transcript}}",
			NoSpeechMessage:   "no speech detected",
		},
		Lifecycle: LifecycleConfig{
			StartupGrace:      60 * time.Second,
			BackoffInitial:    500 * time.Millisecond,
			BackoffMax:        5 * time.Second,
			BackoffMultiplier: 2,
			MaxRestarts:       3,
			StopGrace:         5 * time.Second,
			ProbeInterval:     10 * time.Second,
			ProbeTimeout:      2 * time.Second,
			FailureThreshold:  3,
		},
		Transcription: TranscriptionConfig{
			Kind:    KindCommand,
			Command: "whisper-cli -m models/ggml-base.en.bin -nt -np -f {audio}",
			URL:     "http://127.0.0.1:8082",
		},
		Generation: GenerationConfig{
			Kind:        KindLlama,
			URL:         "http://127.0.0.1:8081",
			MaxTokens:   256,
			Temperature: 0.7,
		},
		Log: LogConfig{
			Level:      logger.LevelInfo,
			Format:     logger.FormatText,
			TimeStamps: true,
			MaxSizeMB:  logger.DefaultMaxSizeMB,
			MaxBackups: logger.DefaultMaxBackups,
			MaxAgeDays: logger.DefaultMaxAgeDays,
		},
		Server: ServerConfig{
			Listen:      "127.0.0.1:8080",
			BasePath:    "/api",
			MaxUploadMB: 64,
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			SampleInterval: 15 * time.Second,
		},
	}
}

// setDefaults registers every scalar default so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	set := func(prefix string, kv map[string]any) {
		for k, val := range kv {
			v.SetDefault(prefix+"."+k, val)
		}
	}
	p := d.Pipeline
	set("pipeline", map[string]any{
		"workers": p.Workers, "admission_wait": p.AdmissionWait, "transcribe_timeout": p.TranscribeTimeout,
		"generate_timeout": p.GenerateTimeout, "run_timeout": p.RunTimeout, "retry_delay": p.RetryDelay,
		"prompt_template": p.PromptTemplate, "no_speech_message": p.NoSpeechMessage, "upload_dir": p.UploadDir,
	})
	l := d.Lifecycle
	set("lifecycle", map[string]any{
		"startup_grace": l.StartupGrace, "backoff_initial": l.BackoffInitial, "backoff_max": l.BackoffMax,
		"backoff_multiplier": l.BackoffMultiplier, "max_restarts": l.MaxRestarts, "stop_grace": l.StopGrace,
		"probe_interval": l.ProbeInterval, "probe_timeout": l.ProbeTimeout, "failure_threshold": l.FailureThreshold,
		"pid_dir": l.PIDDir,
	})
	tr := d.Transcription
	set("transcription", map[string]any{
		"kind": tr.Kind, "command": tr.Command, "url": tr.URL, "model": tr.Model,
		"api_key": tr.APIKey, "language": tr.Language, "engine": tr.Engine,
	})
	g := d.Generation
	set("generation", map[string]any{
		"kind": g.Kind, "url": g.URL, "model": g.Model, "api_key": g.APIKey, "system": g.System,
		"max_tokens": g.MaxTokens, "temperature": g.Temperature, "engine": g.Engine,
	})
	lg := d.Log
	set("log", map[string]any{
		"level": lg.Level, "format": lg.Format, "color": lg.Color, "timestamps": lg.TimeStamps,
		"source": lg.Source, "file": lg.File, "engine_dir": lg.EngineDir, "max_size_mb": lg.MaxSizeMB,
		"max_backups": lg.MaxBackups, "max_age_days": lg.MaxAgeDays, "compress": lg.Compress,
	})
	set("server", map[string]any{"listen": d.Server.Listen, "base_path": d.Server.BasePath, "max_upload_mb": d.Server.MaxUploadMB})
	t := d.Server.TLS
	set("server.tls", map[string]any{
		"enabled": t.Enabled, "cert_file": t.CertFile, "key_file": t.KeyFile, "dir": t.Dir,
		"auto_generate": t.AutoGenerate, "min_version": t.MinVersion, "common_name": t.CommonName,
		"valid_days": t.ValidDays,
	})
	set("metrics", map[string]any{"enabled": d.Metrics.Enabled, "listen": d.Metrics.Listen, "sample_interval": d.Metrics.SampleInterval})
	set("history", map[string]any{"dsn": d.History.DSN})
}

// Load reads path (TOML) over the defaults and applies PROVOICE_* overrides. An empty
// path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path != "" {
		c.resolvePaths(filepath.Dir(path))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// resolvePaths makes env_files and TLS material relative to the config file.
func (c *Config) resolvePaths(base string) {
	rel := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	for i := range c.EnvFiles {
		rel(&c.EnvFiles[i])
	}
	rel(&c.Server.TLS.CertFile)
	rel(&c.Server.TLS.KeyFile)
	rel(&c.Server.TLS.Dir)
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var result *multierror.Error
	bad := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	p := c.Pipeline
	if p.Workers < 1 {
		bad("pipeline.workers must be >= 1")
	}
	if p.AdmissionWait < 0 {
		bad("pipeline.admission_wait must not be negative")
	}
	if p.TranscribeTimeout <= 0 {
		bad("pipeline.transcribe_timeout must be positive")
	}
	if p.GenerateTimeout <= 0 {
		bad("pipeline.generate_timeout must be positive")
	}
	if p.RunTimeout < 0 {
		bad("pipeline.run_timeout must not be negative")
	}
	if p.RetryDelay < 0 {
		bad("pipeline.retry_delay must not be negative")
	}

	l := c.Lifecycle
	if l.StartupGrace <= 0 {
		bad("lifecycle.startup_grace must be positive")
	}
	if l.BackoffInitial <= 0 || l.BackoffMax < l.BackoffInitial {
		bad("lifecycle.backoff_initial must be positive and <= backoff_max")
	}
	if l.BackoffMultiplier < 1 {
		bad("lifecycle.backoff_multiplier must be >= 1")
	}
	if l.MaxRestarts < 0 {
		bad("lifecycle.max_restarts must not be negative")
	}
	if l.FailureThreshold < 1 {
		bad("lifecycle.failure_threshold must be >= 1")
	}
	if l.ProbeTimeout <= 0 || l.ProbeInterval <= 0 {
		bad("lifecycle.probe_timeout and probe_interval must be positive")
	}
	if l.ProbeTimeout >= p.TranscribeTimeout || l.ProbeTimeout >= p.GenerateTimeout {
		bad("lifecycle.probe_timeout must be shorter than the stage timeouts")
	}

	names := make(map[string]bool, len(c.Engines))
	for i, e := range c.Engines {
		if err := e.Validate(); err != nil {
			bad("engines[%d]: %v", i, err)
			continue
		}
		if names[e.Name] {
			bad("engines[%d]: duplicate engine name %q", i, e.Name)
		}
		names[e.Name] = true
	}

	switch c.Transcription.Kind {
	case KindCommand:
		if strings.TrimSpace(c.Transcription.Command) == "" {
			bad("transcription.command is required for kind %q", KindCommand)
		}
	case KindWhisperHTTP, KindOpenAI:
		if c.Transcription.URL == "" {
			bad("transcription.url is required for kind %q", c.Transcription.Kind)
		}
	default:
		bad("transcription.kind must be one of %s, %s, %s", KindCommand, KindWhisperHTTP, KindOpenAI)
	}
	if e := c.Transcription.Engine; e != "" && !names[e] {
		bad("transcription.engine %q is not a configured engine", e)
	}

	switch c.Generation.Kind {
	case KindLlama, KindOpenAI:
		if c.Generation.URL == "" {
			bad("generation.url is required")
		}
	default:
		bad("generation.kind must be one of %s, %s", KindLlama, KindOpenAI)
	}
	if e := c.Generation.Engine; e != "" && !names[e] {
		bad("generation.engine %q is not a configured engine", e)
	}
	if c.Generation.MaxTokens < 0 {
		bad("generation.max_tokens must not be negative")
	}

	switch strings.ToLower(c.Log.Level) {
	case logger.LevelDebug, logger.LevelInfo, logger.LevelWarn, "warning", logger.LevelError:
	default:
		bad("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case logger.FormatText, logger.FormatJSON:
	default:
		bad("log.format %q is not one of text, json", c.Log.Format)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		bad("server.base_path must start with /")
	}
	if c.Server.MaxUploadMB < 0 {
		bad("server.max_upload_mb must not be negative")
	}
	if t := c.Server.TLS; t.Enabled {
		if (t.CertFile == "") != (t.KeyFile == "") {
			bad("server.tls.cert_file and server.tls.key_file must be set together")
		}
		if t.CertFile == "" && t.Dir == "" {
			bad("server.tls requires cert_file/key_file or dir")
		}
		switch t.MinVersion {
		case "", "1.2", "1.3":
		default:
			bad("server.tls.min_version %q is not one of 1.2, 1.3", t.MinVersion)
		}
	}
	if c.Metrics.SampleInterval < 0 {
		bad("metrics.sample_interval must not be negative")
	}
	return result.ErrorOrNil()
}

// Logger converts the log section to the logger package's configuration.
func (c *Config) Logger() logger.Config {
	l := c.Log
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      l.Level,
			Format:     l.Format,
			Color:      l.Color,
			TimeStamps: l.TimeStamps,
			Source:     l.Source,
			Path:       l.File,
		},
		File: logger.FileConfig{
			Dir:        l.EngineDir,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
		},
	}
}

// GlobalEnv merges env_files in order and then the env list, later entries winning.
// The result is sorted by key.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
