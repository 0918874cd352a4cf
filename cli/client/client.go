// Package client talks to the admin API of a running `cardrelay serve`.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pithecene-io/cardrelay/iox"
	"github.com/pithecene-io/cardrelay/metrics"
	"github.com/pithecene-io/cardrelay/relay"
	"github.com/pithecene-io/cardrelay/server"
	"github.com/pithecene-io/cardrelay/types"
)

// DefaultTimeout bounds each admin request.
const DefaultTimeout = 10 * time.Second

const maxErrorBody = 64 << 10

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client is an admin API client.
type Client struct {
	base string
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// New creates a client for the server at baseURL, e.g.
// http://127.0.0.1:8080. A bare host:port gets an http scheme.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("server address is required")
	}
	if !strings.Contains(baseURL, "://") {
		if strings.HasPrefix(baseURL, ":") {
			baseURL = "127.0.0.1" + baseURL
		}
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid server address %q", baseURL)
	}
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Health returns the server's health report.
func (c *Client) Health(ctx context.Context) (server.HealthResponse, error) {
	var out server.HealthResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

// Sessions lists in-flight sessions.
func (c *Client) Sessions(ctx context.Context) ([]relay.SessionInfo, error) {
	var out server.SessionsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Stats returns the server's metrics snapshot.
func (c *Client) Stats(ctx context.Context) (metrics.Snapshot, error) {
	var out metrics.Snapshot
	err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &out)
	return out, err
}

// Start submits a stream request.
func (c *Client) Start(ctx context.Context, req types.StreamRequest) (relay.Ticket, error) {
	var out relay.Ticket
	err := c.do(ctx, http.MethodPost, "/v1/streams", req, &out)
	return out, err
}

// Cancel cancels the stream registered under taskKey. It reports false
// when no such stream is in flight.
func (c *Client) Cancel(ctx context.Context, taskKey string) (bool, error) {
	if taskKey == "" {
		return false, errors.New("task key is required")
	}
	var out server.CancelResponse
	path := "/v1/streams/" + url.PathEscape(taskKey) + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return false, err
	}
	return out.Canceled, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer iox.DrainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var e server.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
