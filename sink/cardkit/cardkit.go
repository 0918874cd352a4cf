// Package cardkit implements a sink over the Feishu/Lark CardKit
// streaming-card API.
//
// Handles have the form "card_id:element_id". Updates replace the text of
// one element; Stop turns off the card's streaming mode. Every request
// carries the relay sequence, which CardKit requires to strictly increase
// per card.
package cardkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/cardrelay/iox"
	"github.com/pithecene-io/cardrelay/sink"
)

// DefaultBaseURL is the Feishu open platform endpoint.
const DefaultBaseURL = "https://open.feishu.cn"

// DefaultTimeout is the default per-request timeout.
const DefaultTimeout = 10 * time.Second

// tokenRefreshMargin is how long before expiry a cached token is renewed.
const tokenRefreshMargin = 5 * time.Minute

// stoppedCapacity bounds the set of remembered stopped handles.
const stoppedCapacity = 4096

// streamingOff is the settings payload that ends streaming mode.
const streamingOff = `{"config":{"streaming_mode":false}}`

// Codes CardKit returns for expired or invalid tenant tokens.
var tokenInvalidCodes = map[int]bool{99991661: true, 99991663: true, 99991668: true}

// Config configures the CardKit sink.
type Config struct {
	// BaseURL is the open platform endpoint (default DefaultBaseURL).
	BaseURL string
	// AppID and AppSecret obtain tenant access tokens.
	AppID     string
	AppSecret string
	// Token is a static tenant token, used instead of AppID/AppSecret.
	Token string
	// Timeout is the per-request timeout (default 10s).
	Timeout time.Duration
}

// Sink delivers relay updates to CardKit.
type Sink struct {
	config Config
	client *http.Client

	tokenMu   sync.Mutex
	token     string
	expiresAt time.Time

	stoppedMu    sync.Mutex
	stopped      map[string]struct{}
	stoppedOrder []string
}

// New creates a CardKit sink from the given config.
func New(cfg Config) (*Sink, error) {
	if cfg.Token == "" && (cfg.AppID == "" || cfg.AppSecret == "") {
		return nil, errors.New("cardkit sink requires a token or app_id and app_secret")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Sink{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		stopped: make(map[string]struct{}),
	}, nil
}

// ParseHandle splits a "card_id:element_id" handle.
func ParseHandle(handle string) (cardID, elementID string, err error) {
	cardID, elementID, ok := strings.Cut(handle, ":")
	if !ok || cardID == "" || elementID == "" {
		return "", "", fmt.Errorf("%w: %q (want card_id:element_id)", sink.ErrInvalidHandle, handle)
	}
	return cardID, elementID, nil
}

type contentRequest struct {
	Content  string `json:"content"`
	Sequence int64  `json:"sequence"`
	UUID     string `json:"uuid"`
}

type settingsRequest struct {
	Settings string `json:"settings"`
	Sequence int64  `json:"sequence"`
	UUID     string `json:"uuid"`
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Update implements sink.Sink.
func (s *Sink) Update(ctx context.Context, handle, content string, seq int64) error {
	cardID, elementID, err := ParseHandle(handle)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/open-apis/cardkit/v1/cards/%s/elements/%s/content",
		s.config.BaseURL, url.PathEscape(cardID), url.PathEscape(elementID))

	return s.do(ctx, http.MethodPut, endpoint, contentRequest{
		Content:  content,
		Sequence: seq,
		UUID:     requestUUID("update", handle, seq),
	})
}

// Stop implements sink.Sink. A handle stopped by this sink is not
// stopped again.
func (s *Sink) Stop(ctx context.Context, handle string, seq int64) error {
	if s.isStopped(handle) {
		return nil
	}
	cardID, _, err := ParseHandle(handle)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/open-apis/cardkit/v1/cards/%s/settings",
		s.config.BaseURL, url.PathEscape(cardID))

	if err := s.do(ctx, http.MethodPatch, endpoint, settingsRequest{
		Settings: streamingOff,
		Sequence: seq,
		UUID:     requestUUID("stop", handle, seq),
	}); err != nil {
		return err
	}
	s.markStopped(handle)
	return nil
}

// requestUUID derives a stable idempotency key, so retries of the same
// sequence are deduplicated by CardKit.
func requestUUID(op, handle string, seq int64) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, fmt.Appendf(nil, "cardrelay:%s:%s:%d", op, handle, seq)).String()
}

func (s *Sink) do(ctx context.Context, method, endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("cardkit: marshal request: %w", err)
	}

	token, err := s.tenantToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("cardkit: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("cardkit: request failed: %w", err)
	}
	defer iox.DrainClose(resp.Body)

	var result apiResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&result)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || (decodeErr == nil && result.Code != 0) {
		if tokenInvalidCodes[result.Code] {
			s.invalidateToken()
		}
		return &sink.StatusError{HTTPStatus: resp.StatusCode, Code: result.Code, Msg: result.Msg}
	}
	if decodeErr != nil {
		return fmt.Errorf("cardkit: decode response: %w", decodeErr)
	}
	return nil
}

type tokenRequest struct {
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
}

type tokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int64  `json:"expire"`
}

// tenantToken returns a cached tenant token, fetching a new one when the
// cached token is missing or close to expiry.
func (s *Sink) tenantToken(ctx context.Context) (string, error) {
	if s.config.Token != "" {
		return s.config.Token, nil
	}

	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	if s.token != "" && time.Now().Before(s.expiresAt) {
		return s.token, nil
	}

	body, err := json.Marshal(tokenRequest{AppID: s.config.AppID, AppSecret: s.config.AppSecret})
	if err != nil {
		return "", fmt.Errorf("cardkit: marshal token request: %w", err)
	}
	endpoint := s.config.BaseURL + "/open-apis/auth/v3/tenant_access_token/internal"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("cardkit: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("cardkit: token request failed: %w", err)
	}
	defer iox.DrainClose(resp.Body)

	var result tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("cardkit: decode token response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || result.Code != 0 || result.TenantAccessToken == "" {
		return "", &sink.StatusError{HTTPStatus: resp.StatusCode, Code: result.Code, Msg: result.Msg}
	}

	lifetime := time.Duration(result.Expire) * time.Second
	if lifetime > 2*tokenRefreshMargin {
		lifetime -= tokenRefreshMargin
	} else {
		lifetime /= 2
	}
	s.token = result.TenantAccessToken
	s.expiresAt = time.Now().Add(lifetime)
	return s.token, nil
}

func (s *Sink) invalidateToken() {
	s.tokenMu.Lock()
	s.token = ""
	s.tokenMu.Unlock()
}

func (s *Sink) isStopped(handle string) bool {
	s.stoppedMu.Lock()
	defer s.stoppedMu.Unlock()
	_, ok := s.stopped[handle]
	return ok
}

func (s *Sink) markStopped(handle string) {
	s.stoppedMu.Lock()
	defer s.stoppedMu.Unlock()
	if _, ok := s.stopped[handle]; ok {
		return
	}
	if len(s.stoppedOrder) >= stoppedCapacity {
		oldest := s.stoppedOrder[0]
		s.stoppedOrder = s.stoppedOrder[1:]
		delete(s.stopped, oldest)
	}
	s.stopped[handle] = struct{}{}
	s.stoppedOrder = append(s.stoppedOrder, handle)
}

// Close releases idle connections.
func (s *Sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

var _ sink.Sink = (*Sink)(nil)
