package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// WhisperHTTPClient uploads audio to a transcription server as multipart form data.
// In the default mode it targets the whisper.cpp server (POST /inference); with
// OpenAI set it targets an OpenAI-compatible /v1/audio/transcriptions endpoint.
type WhisperHTTPClient struct {
	EngineName string
	BaseURL    string
	OpenAI     bool
	Model      string
	APIKey     string
	Language   string
	HTTP       *http.Client
}

type transcriptionResponse struct {
	Text *string `json:"text"`
}

func (c *WhisperHTTPClient) Name() string { return c.EngineName }

func (c *WhisperHTTPClient) endpoint() string {
	if c.OpenAI {
		return joinURL(c.BaseURL, "/v1/audio/transcriptions")
	}
	return joinURL(c.BaseURL, "/inference")
}

func (c *WhisperHTTPClient) Transcribe(ctx context.Context, audioPath string) (string, error) {
	body, contentType, err := c.form(audioPath)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	var out transcriptionResponse
	if err := doJSON(ctx, c.HTTP, c.EngineName, req, &out); err != nil {
		return "", err
	}
	if out.Text == nil {
		return "", malformed(c.EngineName, errors.New("response has no text field"))
	}
	return strings.TrimSpace(*out.Text), nil
}

// form builds the multipart body in memory; inputs are short voice clips.
func (c *WhisperHTTPClient) form(audioPath string) (io.Reader, string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, "", fmt.Errorf("open audio: %w", err)
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("read audio: %w", err)
	}
	fields := map[string]string{"response_format": "json"}
	if c.Model != "" {
		fields["model"] = c.Model
	}
	if c.Language != "" {
		fields["language"] = c.Language
	}
	if !c.OpenAI {
		fields["temperature"] = "0.0"
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
