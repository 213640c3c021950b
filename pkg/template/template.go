// Package template renders starter configurations for common local engine setups.
package template

import (
	"fmt"
	"sort"

	"github.com/pelletier/go-toml/v2"
)

// TemplateType names an engine setup.
type TemplateType string

const (
	// TypeLocal runs whisper.cpp and llama.cpp servers side by side.
	TypeLocal TemplateType = "local"
	// TypeWhisperCLI runs whisper-cli per request and a llama.cpp server.
	TypeWhisperCLI    TemplateType = "whisper-cli"
	TypeWhisperServer TemplateType = "whisper-server"
	TypeLlamaServer   TemplateType = "llama-server"
	// TypeOpenAI talks to an OpenAI-compatible endpoint for both stages. Keys come from
	// PROVOICE_TRANSCRIPTION_API_KEY and PROVOICE_GENERATION_API_KEY.
	TypeOpenAI TemplateType = "openai"
)

const (
	whisperPort = 8082
	llamaPort   = 8081
)

// Document is the subset of the config file a template fills in.
type Document struct {
	Transcription *Transcription `toml:"transcription,omitempty"`
	Generation    *Generation    `toml:"generation,omitempty"`
	Engines       []Engine       `toml:"engines,omitempty"`
}

type Transcription struct {
	Kind    string `toml:"kind"`
	Command string `toml:"command,omitempty"`
	URL     string `toml:"url,omitempty"`
	Model   string `toml:"model,omitempty"`
	APIKey  string `toml:"api_key,omitempty"`
	Engine  string `toml:"engine,omitempty"`
}

type Generation struct {
	Kind      string `toml:"kind"`
	URL       string `toml:"url,omitempty"`
	Model     string `toml:"model,omitempty"`
	APIKey    string `toml:"api_key,omitempty"`
	MaxTokens int    `toml:"max_tokens,omitempty"`
	Engine    string `toml:"engine,omitempty"`
}

// Engine mirrors one [[engines]] entry.
type Engine struct {
	Name      string   `toml:"name"`
	Command   string   `toml:"command,omitempty"`
	HealthURL string   `toml:"health_url,omitempty"`
	Env       []string `toml:"env,omitempty"`
	Eager     bool     `toml:"eager,omitempty"`
}

// Generator provides template generation functionality
type Generator struct{}

// NewGenerator creates a new template generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate builds the document for templateType. prefix is prepended to engine names
// so several setups can share one config.
func (g *Generator) Generate(templateType TemplateType, prefix string) (*Document, error) {
	switch templateType {
	case TypeLocal:
		w := g.whisperServer(prefix)
		l := g.llamaServer(prefix)
		return &Document{
			Transcription: w.Transcription,
			Generation:    l.Generation,
			Engines:       append(w.Engines, l.Engines...),
		}, nil
	case TypeWhisperCLI:
		l := g.llamaServer(prefix)
		l.Transcription = &Transcription{
			Kind:    "command",
			Command: "whisper-cli -m models/ggml-base.en.bin -nt -np -f {audio}",
		}
		return l, nil
	case TypeWhisperServer:
		return g.whisperServer(prefix), nil
	case TypeLlamaServer:
		return g.llamaServer(prefix), nil
	case TypeOpenAI:
		return &Document{
			Transcription: &Transcription{Kind: "openai", URL: "https://api.openai.com", Model: "whisper-1"},
			Generation:    &Generation{Kind: "openai", URL: "https://api.openai.com", Model: "gpt-4o-mini", MaxTokens: 256},
		}, nil
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: %v)", templateType, g.GetSupportedTypes())
	}
}

// GenerateTOML renders the template as config file TOML.
func (g *Generator) GenerateTOML(templateType TemplateType, prefix string) ([]byte, error) {
	doc, err := g.Generate(templateType, prefix)
	if err != nil {
		return nil, err
	}
	data, err := toml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return data, nil
}

// GetSupportedTypes returns a list of all supported template types
func (g *Generator) GetSupportedTypes() []string {
	out := []string{
		string(TypeLocal),
		string(TypeWhisperCLI),
		string(TypeWhisperServer),
		string(TypeLlamaServer),
		string(TypeOpenAI),
	}
	sort.Strings(out)
	return out
}

func engineName(prefix, base string) string {
	if prefix == "" {
		return base
	}
	return prefix + "-" + base
}

func (g *Generator) whisperServer(prefix string) *Document {
	name := engineName(prefix, "whisper")
	url := fmt.Sprintf("http://127.0.0.1:%d", whisperPort)
	return &Document{
		Transcription: &Transcription{Kind: "whisper-http", URL: url, Engine: name},
		Engines: []Engine{{
			Name:      name,
			Command:   fmt.Sprintf("whisper-server -m models/ggml-base.en.bin --host 127.0.0.1 --port %d", whisperPort),
			HealthURL: url + "/",
		}},
	}
}

func (g *Generator) llamaServer(prefix string) *Document {
	name := engineName(prefix, "llama")
	url := fmt.Sprintf("http://127.0.0.1:%d", llamaPort)
	return &Document{
		Generation: &Generation{Kind: "llama", URL: url, MaxTokens: 256, Engine: name},
		Engines: []Engine{{
			Name:      name,
			Command:   fmt.Sprintf("llama-server -m models/model.gguf --host 127.0.0.1 --port %d -c 4096", llamaPort),
			HealthURL: url + "/health",
			Env:       []string{"LLAMA_ARG_N_GPU_LAYERS=99"},
			Eager:     true,
		}},
	}
}
