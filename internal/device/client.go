// Package device provides the REST handle to the managed device's control API.
package device

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/HerbHall/switchyard/pkg/plugin"
	"golang.org/x/time/rate"
)

// Compile-time interface guard.
var _ plugin.DeviceClient = (*Client)(nil)

// ErrNotConfigured is returned by Do when no base URL is set.
var ErrNotConfigured = errors.New("device: base_url not configured")

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 8 << 20

// Config holds device API settings.
type Config struct {
	BaseURL            string        `mapstructure:"base_url"`
	APIKey             string        `mapstructure:"api_key"` //nolint:gosec // G101: config field name, not a credential
	APIKeyHeader       string        `mapstructure:"api_key_header"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RateLimit          float64       `mapstructure:"rate_limit"` // requests per second, 0 = unlimited
	Burst              int           `mapstructure:"burst"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
}

// DefaultConfig returns the device client defaults.
func DefaultConfig() Config {
	return Config{
		APIKeyHeader: "X-API-Key",
		Timeout:      30 * time.Second,
		RateLimit:    10,
		Burst:        20,
	}
}

// StatusError is returned when the device answers with a 4xx or 5xx status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("device API %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client wraps the device REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	header     string
	limiter    *rate.Limiter
}

// NewClient creates a device API client.
func NewClient(cfg Config) *Client {
	d := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = d.APIKeyHeader
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // G402: opt-in for self-signed appliance certs
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		header:     cfg.APIKeyHeader,
		limiter:    limiter,
	}
}

// Configured reports whether a base URL is set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// Do sends a JSON request and returns the raw response body. A nil body
// sends no payload; an empty response yields a nil RawMessage.
func (c *Client) Do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("device rate limit: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set(c.header, c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil, nil
	}
	if !json.Valid(respBody) {
		return nil, fmt.Errorf("device API %s %s returned invalid JSON", method, path)
	}
	return json.RawMessage(respBody), nil
}
