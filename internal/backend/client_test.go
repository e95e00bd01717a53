package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/formula-consult/internal/domain"
)

func newTestClient(t *testing.T, h http.Handler, retries int) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(Options{BaseURL: srv.URL + "/", Token: "secret", Retries: retries})
	require.NoError(t, err)
	return c
}

func TestSendMessageStreamsBody(t *testing.T) {
	var got domain.ChatRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, chatPath, r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"type\":\"complete\"}\n\n")
	}), 0)

	body, err := c.SendMessage(context.Background(), domain.ChatRequest{
		Message:     "hello",
		SessionID:   "s1",
		Attachments: []domain.Attachment{{Name: "a.pdf", URL: "https://x/a.pdf"}},
	})
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"type\":\"complete\"}\n\n", string(raw))
	assert.Equal(t, "hello", got.Message)
	assert.Equal(t, "s1", got.SessionID)
	require.Len(t, got.Attachments, 1)
}

func TestSendMessageNon2xxIsStatusError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `{"error":"inference backend unavailable"}`)
	}), 3)

	_, err := c.SendMessage(context.Background(), domain.ChatRequest{Message: "x"})
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, "inference backend unavailable", se.ServerMessage())
	assert.EqualValues(t, 1, calls.Load(), "chat requests are never retried")
}

func TestStatusErrorFallsBackToRawBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}), 0)

	_, err := c.SendMessage(context.Background(), domain.ChatRequest{Message: "x"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "too many requests", se.Message)
	assert.Contains(t, se.Error(), "429")
}

func TestFetchHistorySortsSessions(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(24 * time.Hour)

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, historyPath, r.URL.Path)
		_ = json.NewEncoder(w).Encode(domain.History{
			Sessions: []domain.Session{
				{ID: "old", UpdatedAt: older},
				{ID: "new", UpdatedAt: newer},
			},
			Messages: map[string][]domain.Message{
				"new": {{ID: "m1", Sender: domain.SenderUser, Content: "hi", SessionID: "new"}},
			},
		})
	}), 0)

	h, err := c.FetchHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, h.Sessions, 2)
	assert.Equal(t, "new", h.Sessions[0].ID)
	assert.Len(t, h.Messages["new"], 1)
}

func TestFetchHistoryRetriesServerErrors(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for one retry backoff")
	}
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"sessions":[]}`)
	}), 1)

	h, err := c.FetchHistory(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.Sessions)
	assert.NotNil(t, h.Messages)
	assert.EqualValues(t, 2, calls.Load())
}

func TestDeleteSession(t *testing.T) {
	var deleted string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		deleted = r.URL.Path
		if r.URL.Path == sessionsPath+"missing" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"session not found"}`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}), 0)

	require.NoError(t, c.DeleteSession(context.Background(), "s 1"))
	assert.Equal(t, sessionsPath+"s 1", deleted)

	err := c.DeleteSession(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	assert.Error(t, c.DeleteSession(context.Background(), ""))
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New(Options{BaseURL: "ftp://example.com"})
	assert.Error(t, err)
	_, err = New(Options{BaseURL: "://nope"})
	assert.Error(t, err)
}
