package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cexll/ticketbridge/internal/upstream"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{APIURL: srv.URL, BotToken: "xoxb-test"})
	require.NoError(t, err)
	return c
}

func TestClient_PostMessage(t *testing.T) {
	tests := []struct {
		name     string
		threadTS string
	}{
		{"top level", ""},
		{"thread reply", "1700000000.000100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw map[string]any
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/chat.postMessage", r.URL.Path)
				assert.Equal(t, "Bearer xoxb-test", r.Header.Get("Authorization"))
				require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
				_, _ = io.WriteString(w, `{"ok": true, "channel": "C1", "ts": "1700000001.000200"}`)
			})

			ts, err := c.PostMessage(context.Background(), "C1", "hello", tt.threadTS)
			require.NoError(t, err)
			assert.Equal(t, "1700000001.000200", ts)
			assert.Equal(t, "C1", raw["channel"])
			assert.Equal(t, "hello", raw["text"])
			if tt.threadTS == "" {
				assert.NotContains(t, raw, "thread_ts")
			} else {
				assert.Equal(t, tt.threadTS, raw["thread_ts"])
			}
		})
	}
}

func TestClient_PostMessageFailures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantNotOK  bool
		wantBroken bool
		transient  bool
	}{
		{name: "not ok", status: 200, body: `{"ok": false, "error": "channel_not_found"}`, wantNotOK: true},
		{name: "missing ts", status: 200, body: `{"ok": true}`, wantBroken: true},
		{name: "missing ok", status: 200, body: `{"ts": "1.2"}`, wantBroken: true},
		{name: "not json", status: 200, body: `oops`, wantBroken: true},
		{name: "server error", status: 503, body: `unavailable`, transient: true},
		{name: "rate limited", status: 429, body: ``, transient: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := c.PostMessage(context.Background(), "C1", "hello", "")
			require.Error(t, err)
			assert.Equal(t, tt.wantNotOK, errors.Is(err, ErrNotOK))
			assert.Equal(t, tt.wantBroken, errors.Is(err, upstream.ErrMalformedResponse))
			assert.Equal(t, tt.transient, upstream.IsTransient(err))
		})
	}
}

func TestClient_NotOKCarriesCode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ok": false, "error": "ratelimited"}`)
	})
	_, err := c.PostMessage(context.Background(), "C1", "x", "")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "ratelimited", apiErr.Code)
	assert.True(t, apiErr.Transient())
}

func TestClient_ErrorBodyIsTruncated(t *testing.T) {
	page := strings.Repeat("<html>gateway error</html>", 200)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, page)
	})
	_, err := c.PostMessage(context.Background(), "C1", "x", "")

	var apiErr *upstream.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Less(t, len(apiErr.Body), len(page))
	assert.True(t, strings.HasSuffix(apiErr.Body, "..."))
	assert.Less(t, len(err.Error()), 1024)
}

func TestNewClient_RequiresToken(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}
