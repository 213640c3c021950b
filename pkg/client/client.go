// Package client talks to a running provoice daemon over its HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Client provides HTTP client functionality to communicate with the provoice daemon
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds status and admin calls. Submissions are bounded by their context
	// and the daemon's run timeout instead.
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new provoice API client
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		timeout: config.Timeout,
		logger:  config.Logger,
		client:  &http.Client{Transport: transport},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	isReachable := resp.StatusCode != http.StatusNotFound
	c.logger.Debug("Daemon reachability check", "reachable", isReachable, "status", resp.StatusCode)
	return isReachable
}

// Submit uploads a local audio file and waits for the run to finish. A run that failed
// is returned with its Failure set and a nil error; the error covers requests the
// daemon did not run at all.
func (c *Client) Submit(ctx context.Context, audioPath string, timeout time.Duration) (*RunResult, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}
	defer func() { _ = f.Close() }()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if timeout > 0 {
				if err := mw.WriteField("timeout", timeout.String()); err != nil {
					return err
				}
			}
			fw, err := mw.CreateFormFile("audio", filepath.Base(audioPath))
			if err != nil {
				return err
			}
			if _, err := io.Copy(fw, f); err != nil {
				return err
			}
			return mw.Close()
		}()
		_ = pw.CloseWithError(err)
	}()

	c.logger.Debug("Submitting audio", "path", audioPath, "timeout", timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/submit", pr)
	if err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.doRun(req)
}

// SubmitPath asks the daemon to run a file that already exists on its host.
func (c *Client) SubmitPath(ctx context.Context, serverPath string, timeout time.Duration) (*RunResult, error) {
	body := map[string]string{"path": serverPath}
	if timeout > 0 {
		body["timeout"] = timeout.String()
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/submit", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doRun(req)
}

func (c *Client) doRun(req *http.Request) (*RunResult, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", req.URL.String())
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var run RunResult
	if err := json.Unmarshal(raw, &run); err != nil || run.ID == "" {
		return nil, c.apiError(resp.StatusCode, raw)
	}
	run.HTTPStatus = resp.StatusCode
	c.logger.Debug("Run finished", "id", run.ID, "state", run.State, "status", resp.StatusCode)
	return &run, nil
}

// Health returns the daemon's health view. A degraded daemon answers 503 with the same
// body, which is returned without error.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.getJSON(ctx, "/health", &out, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &out, nil
}

// Engines lists every engine.
func (c *Client) Engines(ctx context.Context) ([]EngineStatus, error) {
	var out []EngineStatus
	if err := c.getJSON(ctx, "/engines", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Engine returns one engine's status.
func (c *Client) Engine(ctx context.Context, name string) (*EngineStatus, error) {
	var out EngineStatus
	if err := c.getJSON(ctx, "/engines/"+url.PathEscape(name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Restart stops and relaunches an engine, waiting until it is ready again.
func (c *Client) Restart(ctx context.Context, name string) error {
	c.logger.Debug("Restarting engine", "engine", name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/engines/"+url.PathEscape(name)+"/restart", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", req.URL.String())
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	raw, _ := io.ReadAll(resp.Body)
	return c.apiError(resp.StatusCode, raw)
}

func (c *Client) getJSON(ctx context.Context, path string, out any, alsoOK ...int) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", req.URL.String())
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	ok := resp.StatusCode == http.StatusOK
	for _, s := range alsoOK {
		ok = ok || resp.StatusCode == s
	}
	if !ok {
		return c.apiError(resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// apiError builds the error for a rejected request.
func (c *Client) apiError(status int, body []byte) error {
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error == "" {
		c.logger.Error("Failed to decode error response", "status", status)
		return &APIError{Status: status, Message: http.StatusText(status)}
	}
	c.logger.Error("API request failed", "error", er.Error, "status", status)
	return &APIError{Status: status, Message: er.Error, Code: er.Code}
}

// IsAPIError reports whether err is an APIError with the given status.
func IsAPIError(err error, status int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == status
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	// Handle insecure mode (skip verification)
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 opt-in for self-signed daemons
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true // #nosec G402 opt-in
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}
