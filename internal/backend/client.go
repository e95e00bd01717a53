// Package backend is the HTTP client for the consultation service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/ashureev/formula-consult/internal/domain"
)

const (
	chatPath     = "/api/consultation/chat"
	historyPath  = "/api/consultation/history"
	sessionsPath = "/api/consultation/sessions/"

	// maxErrorBody caps how much of a failed response is read for its message.
	maxErrorBody = 64 << 10
)

// StatusError is a non-2xx response from the service.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("consultation service returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("consultation service returned %d: %s", e.StatusCode, e.Message)
}

// ServerMessage returns the message reported by the service, if any.
func (e *StatusError) ServerMessage() string { return e.Message }

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	// Retries applies to history and delete calls. Chat requests are never retried.
	Retries int
	Logger  *slog.Logger
}

// Client talks to the consultation service.
type Client struct {
	baseURL string
	token   string

	stream *http.Client
	api    *http.Client
	logger *slog.Logger
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", opts.BaseURL)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.Retries
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = logger
	// Keep the final response so its status and body reach the caller.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	api := retryClient.StandardClient()
	api.Timeout = 30 * time.Second

	return &Client{
		baseURL: base.String(),
		token:   opts.Token,
		// No client timeout: the transport owns the per-request deadline.
		stream: cleanhttp.DefaultPooledClient(),
		api:    api,
		logger: logger,
	}, nil
}

// SendMessage posts a chat request and returns the streaming response body.
func (c *Client) SendMessage(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, chatPath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send chat request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	c.logger.Debug("Chat stream opened", "session_id", req.SessionID, "status", resp.StatusCode)
	return resp.Body, nil
}

// FetchHistory loads every session and its transcript.
func (c *Client) FetchHistory(ctx context.Context) (domain.History, error) {
	var history domain.History

	httpReq, err := c.newRequest(ctx, http.MethodGet, historyPath, nil)
	if err != nil {
		return history, err
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.api.Do(httpReq)
	if err != nil {
		return history, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return history, statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return history, fmt.Errorf("decode history: %w", err)
	}
	if history.Messages == nil {
		history.Messages = map[string][]domain.Message{}
	}
	domain.SortSessions(history.Sessions)
	return history, nil
}

// DeleteSession deletes a session and its messages.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("delete session: empty id")
	}

	httpReq, err := c.newRequest(ctx, http.MethodDelete, sessionsPath+url.PathEscape(id), nil)
	if err != nil {
		return err
	}

	resp, err := c.api.Do(httpReq)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("delete session %s: %w", id, statusError(resp))
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// statusError reads an {"error": "..."} body when present, falling back to raw text.
func statusError(resp *http.Response) *StatusError {
	se := &StatusError{StatusCode: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return se
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		se.Message = body.Error
		return se
	}
	se.Message = strings.TrimSpace(string(raw))
	return se
}
