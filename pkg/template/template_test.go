package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/provoice/internal/config"
)

func TestGenerator_Generate(t *testing.T) {
	g := NewGenerator()

	tests := []struct {
		name     string
		typ      TemplateType
		prefix   string
		validate func(*testing.T, *Document)
	}{
		{
			name: "local",
			typ:  TypeLocal,
			validate: func(t *testing.T, d *Document) {
				require.Len(t, d.Engines, 2)
				assert.Equal(t, "whisper", d.Transcription.Engine)
				assert.Equal(t, "llama", d.Generation.Engine)
				assert.True(t, d.Engines[1].Eager)
			},
		},
		{
			name:   "prefixed_whisper_cli",
			typ:    TypeWhisperCLI,
			prefix: "dev",
			validate: func(t *testing.T, d *Document) {
				assert.Equal(t, "command", d.Transcription.Kind)
				assert.Contains(t, d.Transcription.Command, "{audio}")
				require.Len(t, d.Engines, 1)
				assert.Equal(t, "dev-llama", d.Engines[0].Name)
			},
		},
		{
			name: "openai",
			typ:  TypeOpenAI,
			validate: func(t *testing.T, d *Document) {
				assert.Empty(t, d.Engines)
				assert.Equal(t, "openai", d.Generation.Kind)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := g.Generate(tt.typ, tt.prefix)
			require.NoError(t, err)
			tt.validate(t, d)
		})
	}

	_, err := g.Generate("bogus", "")
	assert.ErrorContains(t, err, "unknown template type")
}

// Every rendered template must load as a valid config file.
func TestGenerateTOMLLoads(t *testing.T) {
	g := NewGenerator()
	for _, typ := range g.GetSupportedTypes() {
		t.Run(typ, func(t *testing.T) {
			data, err := g.GenerateTOML(TemplateType(typ), "")
			require.NoError(t, err)
			p := filepath.Join(t.TempDir(), "provoice.toml")
			require.NoError(t, os.WriteFile(p, data, 0o644))
			cfg, err := config.Load(p)
			require.NoError(t, err, string(data))
			doc, _ := g.Generate(TemplateType(typ), "")
			assert.Len(t, cfg.Engines, len(doc.Engines))
		})
	}
}

func TestGetSupportedTypes(t *testing.T) {
	types := NewGenerator().GetSupportedTypes()
	assert.Len(t, types, 5)
	assert.Contains(t, types, "local")
	assert.IsIncreasing(t, types)
}
