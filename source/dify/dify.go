// Package dify implements a source.Backend for Dify-style chat and
// workflow APIs that stream `data: {json}` records.
package dify

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
	"github.com/pithecene-io/cardrelay/log"
	"github.com/pithecene-io/cardrelay/metrics"
	"github.com/pithecene-io/cardrelay/source"
	"github.com/pithecene-io/cardrelay/types"
)

// DefaultHeaderTimeout bounds the wait for response headers.
// The stream body itself has no deadline.
const DefaultHeaderTimeout = 60 * time.Second

// DefaultStopTimeout is the timeout of out-of-band stop requests.
const DefaultStopTimeout = 10 * time.Second

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Config configures the backend client.
type Config struct {
	// BaseURL is the API root, e.g. https://api.dify.ai/v1 (required).
	BaseURL string
	// APIKey is sent as a bearer token (required).
	APIKey string
	// HeaderTimeout bounds the wait for response headers (default 60s).
	HeaderTimeout time.Duration
	// StopTimeout bounds stop requests (default 10s).
	StopTimeout time.Duration
}

// Backend opens streams against the API.
type Backend struct {
	config    Config
	client    *http.Client
	logger    *log.Logger
	collector *metrics.Collector
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger used for dropped records.
func WithLogger(l *log.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// WithCollector counts dropped records as decode errors.
func WithCollector(c *metrics.Collector) Option {
	return func(b *Backend) { b.collector = c }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.client = c }
}

// New creates a backend client.
func New(cfg Config, opts ...Option) (*Backend, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("dify backend requires a base URL")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("dify backend: invalid base URL: %w", err)
	}
	if cfg.APIKey == "" {
		return nil, errors.New("dify backend requires an API key")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HeaderTimeout <= 0 {
		cfg.HeaderTimeout = DefaultHeaderTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.HeaderTimeout

	b := &Backend{
		config: cfg,
		client: &http.Client{Transport: transport},
		logger: log.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

type runRequest struct {
	Inputs         map[string]any   `json:"inputs"`
	Query          string           `json:"query,omitempty"`
	User           string           `json:"user"`
	ConversationID string           `json:"conversation_id,omitempty"`
	ResponseMode   string           `json:"response_mode"`
	Files          []map[string]any `json:"files,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// Open implements source.Backend. Transport failures and non-2xx
// responses yield a source with a single error event.
func (b *Backend) Open(ctx context.Context, req *types.StreamRequest) (source.Source, error) {
	payload := runRequest{
		Inputs:       req.Inputs,
		User:         req.UserID,
		ResponseMode: "streaming",
		Files:        req.Files,
	}
	if payload.Inputs == nil {
		payload.Inputs = map[string]any{}
	}

	var endpoint string
	switch req.EffectiveMode() {
	case types.ModeWorkflow:
		endpoint = b.config.BaseURL + "/workflows/run"
	default:
		endpoint = b.config.BaseURL + "/chat-messages"
		payload.Query = req.Query
		payload.ConversationID = req.ConversationID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("dify: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dify: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+b.config.APIKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return source.Failed((&source.TransportError{Err: err}).Error()), nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer iox.DrainClose(resp.Body)
		te := readTransportError(resp)
		b.logger.Warn("backend rejected stream", map[string]any{
			"status":  resp.StatusCode,
			"message": te.Message,
		})
		return source.Failed(te.Error()), nil
	}

	return source.NewStream(resp.Body, b.logger, source.WithDropHook(func(error) {
		b.collector.IncDecodeErrors()
	})), nil
}

// Stop implements source.Backend.
func (b *Backend) Stop(ctx context.Context, taskID, userID string, mode types.Mode) error {
	if taskID == "" {
		return errors.New("dify: stop requires a task id")
	}
	var endpoint string
	if mode == types.ModeWorkflow {
		endpoint = fmt.Sprintf("%s/workflows/tasks/%s/stop", b.config.BaseURL, url.PathEscape(taskID))
	} else {
		endpoint = fmt.Sprintf("%s/chat-messages/%s/stop", b.config.BaseURL, url.PathEscape(taskID))
	}

	body, err := json.Marshal(map[string]string{"user": userID})
	if err != nil {
		return fmt.Errorf("dify: marshal stop: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.StopTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dify: create stop request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.config.APIKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return &source.TransportError{Err: err}
	}
	defer iox.DrainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readTransportError(resp)
	}
	return nil
}

// readTransportError builds a TransportError from a non-2xx response,
// using the backend's JSON message when present.
func readTransportError(resp *http.Response) *source.TransportError {
	te := &source.TransportError{StatusCode: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		te.Err = err
		return te
	}
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil {
		te.Message = er.Message
		if te.Message == "" {
			te.Message = er.Code
		}
	}
	return te
}

// Close releases idle connections.
func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

var _ source.Backend = (*Backend)(nil)
