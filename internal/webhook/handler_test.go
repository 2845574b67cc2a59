package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cexll/ticketbridge/internal/chat"
)

const (
	testSecret      = "test-signing-secret"
	testChannel     = "C0CHANNEL"
	testCounterpart = "U0DEVIN"
	testBot         = "U0BOT"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type mockDispatcher struct {
	mu          sync.Mutex
	enqueueFunc func(reply *Reply) error
	replies     []*Reply
}

func (m *mockDispatcher) Enqueue(reply *Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueFunc != nil {
		if err := m.enqueueFunc(reply); err != nil {
			return err
		}
	}
	m.replies = append(m.replies, reply)
	return nil
}

func newTestHandler(d ReplyDispatcher) *Handler {
	h := NewHandler(Config{
		SigningSecret:     testSecret,
		ChannelID:         testChannel,
		CounterpartUserID: testCounterpart,
		BotUserID:         testBot,
		MaxSkew:           5 * time.Minute,
	}, d, zerolog.Nop())
	h.now = func() time.Time { return testNow }
	h.deduper.now = h.now
	return h
}

func signedRequest(t *testing.T, body []byte, ts time.Time, secret string) *http.Request {
	t.Helper()
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/slack/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(chat.HeaderTimestamp, timestamp)
	req.Header.Set(chat.HeaderSignature, chat.Sign(timestamp, body, secret))
	return req
}

func callbackBody(t *testing.T, eventID string, event map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"type":     "event_callback",
		"event_id": eventID,
		"team_id":  "T0TEAM",
		"event":    event,
	})
	require.NoError(t, err)
	return body
}

func threadReply(overrides map[string]any) map[string]any {
	ev := map[string]any{
		"type":      "message",
		"channel":   testChannel,
		"user":      testCounterpart,
		"text":      "PR is up",
		"ts":        "1700000100.000200",
		"thread_ts": "1700000000.000100",
	}
	for k, v := range overrides {
		ev[k] = v
	}
	return ev
}

func TestHandle_URLVerificationEchoesChallenge(t *testing.T) {
	d := &mockDispatcher{}
	h := newTestHandler(d)

	body := []byte(`{"type":"url_verification","challenge":"3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P","token":"x"}`)
	w := httptest.NewRecorder()
	h.Handle(w, signedRequest(t, body, testNow, testSecret))

	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P", got["challenge"])
	assert.Empty(t, d.replies)
}

func TestHandle_RejectsBeforeBusinessLogic(t *testing.T) {
	body := callbackBody(t, "Ev1", threadReply(nil))

	tests := []struct {
		name     string
		build    func() *http.Request
		wantCode int
	}{
		{
			name: "non-POST",
			build: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/slack/events", nil)
			},
			wantCode: http.StatusMethodNotAllowed,
		},
		{
			name: "missing signature header",
			build: func() *http.Request {
				req := signedRequest(t, body, testNow, testSecret)
				req.Header.Del(chat.HeaderSignature)
				return req
			},
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "missing timestamp header",
			build: func() *http.Request {
				req := signedRequest(t, body, testNow, testSecret)
				req.Header.Del(chat.HeaderTimestamp)
				return req
			},
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "wrong secret",
			build: func() *http.Request {
				return signedRequest(t, body, testNow, "other-secret")
			},
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "tampered body",
			build: func() *http.Request {
				req := signedRequest(t, body, testNow, testSecret)
				tampered := bytes.Replace(body, []byte("PR is up"), []byte("PR is in"), 1)
				req.Body = io.NopCloser(bytes.NewReader(tampered))
				return req
			},
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "stale timestamp",
			build: func() *http.Request {
				return signedRequest(t, body, testNow.Add(-10*time.Minute), testSecret)
			},
			wantCode: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &mockDispatcher{}
			h := newTestHandler(d)
			w := httptest.NewRecorder()

			h.Handle(w, tt.build())

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Empty(t, d.replies)
		})
	}
}

func TestHandle_InvalidJSON(t *testing.T) {
	d := &mockDispatcher{}
	h := newTestHandler(d)
	w := httptest.NewRecorder()

	h.Handle(w, signedRequest(t, []byte("{not json"), testNow, testSecret))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandle_QueuesCounterpartThreadReply(t *testing.T) {
	d := &mockDispatcher{}
	h := newTestHandler(d)
	w := httptest.NewRecorder()

	h.Handle(w, signedRequest(t, callbackBody(t, "Ev1", threadReply(nil)), testNow, testSecret))

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, d.replies, 1)
	assert.Equal(t, &Reply{
		EventID:  "Ev1",
		ThreadID: "1700000000.000100",
		AuthorID: testCounterpart,
		Text:     "PR is up",
	}, d.replies[0])
}

func TestHandle_IgnoresEventsThatAreNotCounterpartReplies(t *testing.T) {
	tests := []struct {
		name  string
		event map[string]any
	}{
		{name: "top-level message", event: threadReply(map[string]any{"thread_ts": ""})},
		{name: "thread parent", event: threadReply(map[string]any{"ts": "1700000000.000100"})},
		{name: "bot message", event: threadReply(map[string]any{"bot_id": "B0BOT"})},
		{name: "edited message", event: threadReply(map[string]any{"subtype": "message_changed"})},
		{name: "other author", event: threadReply(map[string]any{"user": "U0SOMEONE"})},
		{name: "other channel", event: threadReply(map[string]any{"channel": "C0OTHER"})},
		{name: "reaction", event: threadReply(map[string]any{"type": "reaction_added"})},
		{name: "blank text", event: threadReply(map[string]any{"text": "  "})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &mockDispatcher{}
			h := newTestHandler(d)
			w := httptest.NewRecorder()

			h.Handle(w, signedRequest(t, callbackBody(t, "Ev1", tt.event), testNow, testSecret))

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Empty(t, d.replies)
		})
	}
}

func TestHandle_BotUserIsNeverRelayed(t *testing.T) {
	d := &mockDispatcher{}
	h := NewHandler(Config{
		SigningSecret:     testSecret,
		CounterpartUserID: testBot,
		BotUserID:         testBot,
	}, d, zerolog.Nop())
	h.now = func() time.Time { return testNow }

	w := httptest.NewRecorder()
	h.Handle(w, signedRequest(t, callbackBody(t, "Ev1", threadReply(map[string]any{"user": testBot})), testNow, testSecret))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, d.replies)
}

func TestHandle_DeduplicatesRedeliveredEvents(t *testing.T) {
	d := &mockDispatcher{}
	h := newTestHandler(d)
	body := callbackBody(t, "Ev1", threadReply(nil))

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		h.Handle(w, signedRequest(t, body, testNow, testSecret))
		assert.Equal(t, http.StatusOK, w.Code)
	}

	assert.Len(t, d.replies, 1)
}

func TestHandle_EnqueueFailureAllowsRedelivery(t *testing.T) {
	failures := 1
	d := &mockDispatcher{enqueueFunc: func(*Reply) error {
		if failures > 0 {
			failures--
			return ErrQueueFull
		}
		return nil
	}}
	h := newTestHandler(d)
	body := callbackBody(t, "Ev1", threadReply(nil))

	w := httptest.NewRecorder()
	h.Handle(w, signedRequest(t, body, testNow, testSecret))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	h.Handle(w, signedRequest(t, body, testNow, testSecret))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, d.replies, 1)
}

func TestHandle_EnqueueUnexpectedError(t *testing.T) {
	d := &mockDispatcher{enqueueFunc: func(*Reply) error { return errors.New("boom") }}
	h := newTestHandler(d)
	w := httptest.NewRecorder()

	h.Handle(w, signedRequest(t, callbackBody(t, "Ev1", threadReply(nil)), testNow, testSecret))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandle_UnknownEnvelopeIgnored(t *testing.T) {
	d := &mockDispatcher{}
	h := newTestHandler(d)
	w := httptest.NewRecorder()

	h.Handle(w, signedRequest(t, []byte(`{"type":"app_rate_limited"}`), testNow, testSecret))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, d.replies)
}
