package engine

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// LlamaClient talks to the llama.cpp HTTP server (POST /completion).
type LlamaClient struct {
	EngineName  string
	BaseURL     string
	MaxTokens   int
	Temperature float64
	HTTP        *http.Client
}

type llamaRequest struct {
	Prompt      string  `json:"prompt"`
	NPredict    int     `json:"n_predict,omitempty"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
}

type llamaResponse struct {
	Content *string `json:"content"`
}

func (c *LlamaClient) Name() string { return c.EngineName }

func (c *LlamaClient) Generate(ctx context.Context, prompt string) (string, error) {
	var out llamaResponse
	in := llamaRequest{Prompt: prompt, NPredict: c.MaxTokens, Temperature: c.Temperature}
	if err := postJSON(ctx, c.HTTP, c.EngineName, joinURL(c.BaseURL, "/completion"), "", in, &out); err != nil {
		return "", err
	}
	if out.Content == nil {
		return "", malformed(c.EngineName, errors.New("response has no content field"))
	}
	return strings.TrimSpace(*out.Content), nil
}
