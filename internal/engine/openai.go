package engine

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// OpenAIClient talks to an OpenAI-compatible chat completions endpoint
// (POST /v1/chat/completions). llama.cpp, vLLM and the hosted API all accept it.
type OpenAIClient struct {
	EngineName  string
	BaseURL     string
	Model       string
	APIKey      string
	System      string
	MaxTokens   int
	Temperature float64
	HTTP        *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *OpenAIClient) Name() string { return c.EngineName }

func (c *OpenAIClient) Generate(ctx context.Context, prompt string) (string, error) {
	msgs := make([]chatMessage, 0, 2)
	if c.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: c.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})
	in := chatRequest{Model: c.Model, Messages: msgs, MaxTokens: c.MaxTokens, Temperature: c.Temperature}

	var out chatResponse
	if err := postJSON(ctx, c.HTTP, c.EngineName, joinURL(c.BaseURL, "/v1/chat/completions"), c.APIKey, in, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", malformed(c.EngineName, errors.New("response has no choices"))
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
