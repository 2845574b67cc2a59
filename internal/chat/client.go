// Package chat is a minimal Slack Web API client: posting messages into a
// channel or thread, and verifying signed inbound requests.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cexll/ticketbridge/internal/upstream"
)

const service = "slack"

// ErrNotOK is returned when Slack answers 200 with "ok": false.
var ErrNotOK = errors.New("slack API returned ok=false")

// APIError carries the error code from a not-ok Slack response.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack %s: %s", e.Method, e.Code)
}

func (e *APIError) Unwrap() error { return ErrNotOK }

// Transient reports whether Slack asked us to slow down or had an internal
// failure.
func (e *APIError) Transient() bool {
	switch e.Code {
	case "ratelimited", "internal_error", "fatal_error", "service_unavailable", "request_timeout":
		return true
	}
	return false
}

// Config holds the settings for a Client.
type Config struct {
	APIURL   string // defaults to https://slack.com/api
	BotToken string
	Timeout  time.Duration

	HTTPClient *http.Client
}

// Client posts messages with a bot token.
type Client struct {
	apiURL     string
	token      string
	httpClient *http.Client
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("slack bot token is required")
	}
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://slack.com/api"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{apiURL: apiURL, token: cfg.BotToken, httpClient: httpClient}, nil
}

type postMessageRequest struct {
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

type postMessageResponse struct {
	OK    *bool  `json:"ok"`
	Error string `json:"error"`
	TS    string `json:"ts"`
}

// PostMessage posts text to channel. With an empty threadTS the message
// starts a new thread; otherwise it is a reply inside that thread. It
// returns the ts of the posted message, which identifies the thread for a
// top-level post.
func (c *Client) PostMessage(ctx context.Context, channel, text, threadTS string) (string, error) {
	payload := postMessageRequest{Channel: channel, Text: text, ThreadTS: threadTS}
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/chat.postMessage", buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("post message: %w", &upstream.APIError{Service: service, StatusCode: resp.StatusCode, Body: upstream.TruncateBody(body)})
	}

	var result postMessageResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", upstream.Malformed(service, "decode chat.postMessage response: %v", err)
	}
	if result.OK == nil {
		return "", upstream.Malformed(service, "chat.postMessage response has no ok field")
	}
	if !*result.OK {
		return "", &APIError{Method: "chat.postMessage", Code: result.Error}
	}
	if result.TS == "" {
		return "", upstream.Malformed(service, "chat.postMessage response has no ts")
	}
	return result.TS, nil
}
