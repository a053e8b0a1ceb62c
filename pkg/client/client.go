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
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Client talks to a running repowatch daemon over its HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultBaseURL matches the daemon's default listen address and base path.
const DefaultBaseURL = "http://127.0.0.1:8787/api"

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsConflict reports whether err means another action is still running.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsNotFound reports whether err means the daemon does not watch the path.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

func hasStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// New creates a new repowatch API client with TLS support
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
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
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/instances", nil)
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
	reachable := resp.StatusCode == http.StatusOK
	c.logger.Debug("Daemon reachability check", "reachable", reachable, "status", resp.StatusCode)
	return reachable
}

// Instances lists every supervised repository.
func (c *Client) Instances(ctx context.Context) ([]Instance, error) {
	var out []Instance
	err := c.do(ctx, http.MethodGet, c.endpoint("/instances", nil), &out)
	return out, err
}

// Status returns one repository's snapshot.
func (c *Client) Status(ctx context.Context, path string) (Instance, error) {
	var out Instance
	err := c.do(ctx, http.MethodGet, c.endpoint("/status", pathQuery(path)), &out)
	return out, err
}

// Start launches the lifecycle program with --start.
func (c *Client) Start(ctx context.Context, path string) (CommandResult, error) {
	return c.command(ctx, "/start", path)
}

// Stop launches the lifecycle program with --stop.
func (c *Client) Stop(ctx context.Context, path string) (CommandResult, error) {
	return c.command(ctx, "/stop", path)
}

// Restart launches the lifecycle program with --restart.
func (c *Client) Restart(ctx context.Context, path string) (CommandResult, error) {
	return c.command(ctx, "/restart", path)
}

// ClearCredential stops the repository and removes its password hash.
func (c *Client) ClearCredential(ctx context.Context, path string) (CommandResult, error) {
	return c.command(ctx, "/clear-credential", path)
}

func (c *Client) command(ctx context.Context, route, path string) (CommandResult, error) {
	c.logger.Debug("Sending command", "route", route, "path", path)
	var out CommandResult
	err := c.do(ctx, http.MethodPost, c.endpoint(route, pathQuery(path)), &out)
	return out, err
}

// SetAutoRestart toggles auto-restart and returns the resulting setting.
func (c *Client) SetAutoRestart(ctx context.Context, path string, enabled bool) (bool, error) {
	q := pathQuery(path)
	q.Set("enabled", strconv.FormatBool(enabled))
	var out struct {
		AutoRestart bool `json:"auto_restart"`
	}
	err := c.do(ctx, http.MethodPut, c.endpoint("/autorestart", q), &out)
	return out.AutoRestart, err
}

// LastFailure returns the last lifecycle failure, or nil when there is none.
func (c *Client) LastFailure(ctx context.Context, path string) (*Failure, error) {
	var out *Failure
	err := c.do(ctx, http.MethodGet, c.endpoint("/failure", pathQuery(path)), &out)
	return out, err
}

// Reconcile asks the daemon to poll now instead of at the next interval.
func (c *Client) Reconcile(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, c.endpoint("/reconcile", nil), nil)
}

// History returns recorded events, newest first. An empty path lists all
// instances; limit <= 0 uses the server default.
func (c *Client) History(ctx context.Context, path string, limit int) ([]Event, error) {
	q := url.Values{}
	if path != "" {
		q = pathQuery(path)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []Event
	err := c.do(ctx, http.MethodGet, c.endpoint("/history", q), &out)
	return out, err
}

func pathQuery(path string) url.Values {
	q := url.Values{}
	q.Set("path", path)
	return q
}

func (c *Client) endpoint(route string, q url.Values) string {
	u := c.baseURL + route
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		// #nosec G402 explicit opt-in for self-signed daemons
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
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

// do performs the request and decodes a 2xx JSON body into out. A 204 leaves
// out untouched.
func (c *Client) do(ctx context.Context, method, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", rawURL)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns an error status into an *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}
