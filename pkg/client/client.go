package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/slumberd/slumber/internal/controller"
	"github.com/slumberd/slumber/internal/metrics"
)

// Client talks to a running slumber daemon over its HTTP control API.
type Client struct {
	baseURL string
	http    *http.Client
}

// Config holds client configuration.
type Config struct {
	// BaseURL includes the API base path, e.g. "http://localhost:8372/api".
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig returns the client defaults matching the daemon defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8372/api",
		Timeout: 2 * time.Minute, // start can block for a worker's startup timeout
	}
}

// New creates a slumber API client.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Message)
}

// IsReachable reports whether the daemon answers on its API base URL.
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.call(ctx, http.MethodGet, "/list", nil, nil)
	return err == nil
}

// Start ensures the named server is running and returns its connection info.
func (c *Client) Start(ctx context.Context, name string) (controller.ConnectionInfo, error) {
	var info controller.ConnectionInfo
	err := c.call(ctx, http.MethodPost, "/start", url.Values{"name": {name}}, &info)
	return info, err
}

// Stop stops the named server.
func (c *Client) Stop(ctx context.Context, name string) error {
	return c.call(ctx, http.MethodPost, "/stop", url.Values{"name": {name}}, nil)
}

// Access marks user traffic on the named server, resetting its idle clock.
func (c *Client) Access(ctx context.Context, name string) error {
	return c.call(ctx, http.MethodPost, "/access", url.Values{"name": {name}}, nil)
}

// Status returns the snapshot for one server.
func (c *Client) Status(ctx context.Context, name string) (controller.Snapshot, error) {
	var s controller.Snapshot
	err := c.call(ctx, http.MethodGet, "/status", url.Values{"name": {name}}, &s)
	return s, err
}

// List returns snapshots for all registered servers.
func (c *Client) List(ctx context.Context) ([]controller.Snapshot, error) {
	var out []controller.Snapshot
	err := c.call(ctx, http.MethodGet, "/list", nil, &out)
	return out, err
}

// Metrics returns the daemon's durable metrics snapshot.
func (c *Client) Metrics(ctx context.Context) (metrics.Snapshot, error) {
	var s metrics.Snapshot
	err := c.call(ctx, http.MethodGet, "/metricsfile", nil, &s)
	return s, err
}

// Sweep triggers one idle sweep and returns the number of dispatched stops.
func (c *Client) Sweep(ctx context.Context) (int, error) {
	var out struct {
		Swept int `json:"swept"`
	}
	err := c.call(ctx, http.MethodPost, "/sweep", nil, &out)
	return out.Swept, err
}

func (c *Client) call(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var er struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
