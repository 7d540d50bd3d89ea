// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package remote implements the chat backend's HTTP contract: the streaming
// chat function and the REST tables for conversations, messages and settings.
//
// REMOTE: Secure logging, size limits, error classification
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/jeranaias/nelson-client/internal/model"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultTimeout is the default timeout for table requests.
	// Streaming requests are bounded by their context instead.
	DefaultTimeout = 15 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	// SECURITY: Response size limit prevents memory exhaustion attacks.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB limit

	// maxErrorBody bounds how much of an error body is kept in messages.
	maxErrorBody = 512

	chatPath          = "/functions/v1/nelson-chat"
	conversationsPath = "/rest/v1/nelson_conversations"
	messagesPath      = "/rest/v1/nelson_messages"
	settingsPath      = "/rest/v1/nelson_user_settings"
	healthPath        = "/rest/v1/"

	userAgent = "nelson-client/1.0"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotConfigured is returned when no base URL is set.
	ErrNotConfigured = errors.New("remote service not configured")

	// ErrResponseTooLarge is returned when a body exceeds MaxResponseSize.
	ErrResponseTooLarge = errors.New("response exceeded maximum size")
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// ChatRequest is the body of the streaming chat call.
type ChatRequest struct {
	Message        string     `json:"message"`
	Mode           model.Mode `json:"mode"`
	ConversationID string     `json:"conversationId,omitempty"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the remote service. Configure it with the With* builders
// before first use; it is safe for concurrent use afterwards.
type Client struct {
	baseURL string
	apiKey  string
	token   string
	timeout time.Duration

	httpClient   *http.Client
	streamClient *http.Client
	logger       *log.Logger
}

// NewClient creates a client for baseURL using the public (anon) API key.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		timeout:      DefaultTimeout,
		httpClient:   &http.Client{Timeout: DefaultTimeout},
		streamClient: &http.Client{}, // context-controlled
	}
}

// WithBaseURL sets the service base URL.
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = strings.TrimRight(u, "/")
	return c
}

// WithTimeout sets the timeout for table requests.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.timeout = timeout
	c.httpClient.Timeout = timeout
	return c
}

// WithToken sets the user's access token.
func (c *Client) WithToken(token string) *Client {
	c.token = token
	return c
}

// WithAPIKey sets the public API key sent in the apikey header.
func (c *Client) WithAPIKey(key string) *Client {
	c.apiKey = key
	return c
}

// WithHTTPClient replaces both underlying HTTP clients. Used by tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	c.streamClient = hc
	return c
}

// WithLogger sets the request logger.
func (c *Client) WithLogger(l *log.Logger) *Client {
	c.logger = l
	return c
}

// IsConfigured reports whether a base URL is set.
func (c *Client) IsConfigured() bool {
	return c.baseURL != ""
}

// HealthURL returns the URL the connectivity prober checks.
func (c *Client) HealthURL() string {
	if c.baseURL == "" {
		return ""
	}
	return c.baseURL + healthPath
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// StreamChat posts the question and returns the SSE body. The caller must
// close it. Non-2xx responses are returned as errors with the body consumed.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	c.logResponse(httpReq, resp, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := readResponse(resp)
		return nil, statusError(resp, data)
	}
	return resp.Body, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// setHeaders sets auth and content headers.
// SECURITY: Header values are never logged.
func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	bearer := c.token
	if bearer == "" {
		bearer = c.apiKey
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
}

// do performs a table request and returns the response body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any, prefer string) ([]byte, int, error) {
	if !c.IsConfigured() {
		return nil, 0, ErrNotConfigured
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, c.transportError(ctx, err)
	}
	defer resp.Body.Close()
	c.logResponse(req, resp, time.Since(start))

	data, err := readResponse(resp)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return data, resp.StatusCode, statusError(resp, data)
	}
	return data, resp.StatusCode, nil
}

// transportError classifies a failed round trip. Cancellation by the
// caller is reported as such, everything else as offline.
func (c *Client) transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	c.logf("[remote] request failed: %v", err)
	return fmt.Errorf("%w: %v", model.ErrOffline, err)
}

// readResponse reads the response body with size limits to prevent memory exhaustion.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("%w (%d bytes)", ErrResponseTooLarge, MaxResponseSize)
	}
	return body, nil
}

// statusError converts an HTTP error response into the shared taxonomy.
func statusError(resp *http.Response, body []byte) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return &model.RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	return &model.ServerError{Status: resp.StatusCode, Message: errorMessage(body)}
}

// errorMessage extracts a message from the common error body shapes:
// {"error":"..."}, {"error":{"message":"..."}}, {"message":"..."}.
func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		for _, path := range []string{"error.message", "message", "error", "msg"} {
			if v := parsed.Get(path); v.Type == gjson.String && v.String() != "" {
				return v.String()
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody] + "..."
	}
	return msg
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d.Round(time.Second)
		}
	}
	return 0
}

// logResponse logs an API response with duration.
// SECURITY: Only method, path and status; queries carry user ids and bodies carry content.
func (c *Client) logResponse(req *http.Request, resp *http.Response, duration time.Duration) {
	c.logf("[remote] %s %s -> %d (%v)", req.Method, req.URL.Path, resp.StatusCode, duration.Round(time.Millisecond))
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
