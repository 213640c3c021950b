package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxResponseBody bounds how much of an engine answer is read.
const maxResponseBody = 8 << 20

// DefaultHTTPClient has no overall timeout; every call is bounded by its context.
var DefaultHTTPClient = &http.Client{}

func clientOr(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return DefaultHTTPClient
}

// doJSON sends req and decodes a 2xx JSON answer into out.
func doJSON(ctx context.Context, client *http.Client, engine string, req *http.Request, out any) error {
	resp, err := clientOr(client).Do(req.WithContext(ctx))
	if err != nil {
		return classifyTransport(engine, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return classifyTransport(engine, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(engine, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return malformed(engine, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// postJSON marshals in and posts it to url.
func postJSON(ctx context.Context, client *http.Client, engine, url, apiKey string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return doJSON(ctx, client, engine, req, out)
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
