// Package transport runs one consultation request and turns its response body into
// a sequence of events that always ends in exactly one terminal event.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/formula-consult/internal/domain"
	"github.com/ashureev/formula-consult/internal/stream"
)

// DefaultTimeout bounds a whole request, from send to terminal event.
const DefaultTimeout = 120 * time.Second

const readBufferSize = 4096

// Sender opens a streaming consultation request. The returned body is owned by the
// caller and must be closed.
type Sender interface {
	SendMessage(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error)
}

// Option configures a Transport.
type Option func(*Transport)

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Transport drives a Sender under a deadline.
type Transport struct {
	sender  Sender
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Transport.
func New(sender Sender, opts ...Option) *Transport {
	t := &Transport{
		sender:  sender,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Timeout returns the configured request deadline.
func (t *Transport) Timeout() time.Duration { return t.timeout }

// Stream sends req and calls emit for every classified event, in arrival order.
// It returns after the first terminal event, which is also the last one emitted.
// Timeouts, cancellation and I/O failures are surfaced as synthetic error events, so
// Stream itself never fails. The response body is released exactly once on every path.
func (t *Transport) Stream(ctx context.Context, req domain.ChatRequest, emit func(stream.Event)) stream.Event {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	logger := t.logger.With("session_id", req.SessionID)

	body, err := t.sender.SendMessage(ctx, req)
	if err != nil {
		return t.fail(ctx, logger, emit, err)
	}

	closer := &onceCloser{rc: body}
	defer closer.Close()
	// A blocked Read only returns once the body is closed.
	stop := context.AfterFunc(ctx, func() { _ = closer.Close() })
	defer stop()

	dec := stream.NewFrameDecoder(logger)
	cls := stream.NewClassifier(logger)
	buf := make([]byte, readBufferSize)

	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			for _, line := range dec.Feed(buf[:n]) {
				ev, ok := cls.Classify(line)
				if !ok {
					continue
				}
				emit(ev)
				if ev.Kind.Terminal() {
					malformed, unknown := cls.Dropped()
					logger.Debug("Stream finished",
						"type", string(ev.Kind),
						"duration", time.Since(start),
						"malformed", malformed,
						"unknown", unknown,
					)
					return ev
				}
			}
		}
		if rerr == nil {
			continue
		}
		dec.Finish()
		if errors.Is(rerr, io.EOF) && ctx.Err() == nil {
			rerr = io.ErrUnexpectedEOF
		}
		return t.fail(ctx, logger, emit, rerr)
	}
}

// fail converts err into a synthetic terminal event, preferring the context's
// verdict since closing the body on cancel surfaces as an unrelated read error.
func (t *Transport) fail(ctx context.Context, logger *slog.Logger, emit func(stream.Event), err error) stream.Event {
	var ev stream.Event
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		ev = stream.Synthetic(stream.CauseTimeout, fmt.Sprintf("request timed out after %s", t.timeout))
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		ev = stream.Synthetic(stream.CauseCancelled, "request cancelled")
	case errors.Is(err, io.ErrUnexpectedEOF):
		ev = stream.Synthetic(stream.CauseTransport, "connection closed before the response completed")
	default:
		// Non-2xx statuses are transport failures that keep the server's text.
		text := err.Error()
		var se interface{ ServerMessage() string }
		if errors.As(err, &se) && se.ServerMessage() != "" {
			text = se.ServerMessage()
		}
		ev = stream.Synthetic(stream.CauseTransport, text)
	}

	if ev.Cause == stream.CauseCancelled {
		logger.Info("Stream cancelled")
	} else {
		logger.Warn("Stream failed", "cause", ev.Cause.String(), "error", err)
	}
	emit(ev)
	return ev
}

type onceCloser struct {
	once sync.Once
	rc   io.Closer
	err  error
}

func (c *onceCloser) Close() error {
	c.once.Do(func() { c.err = c.rc.Close() })
	return c.err
}
