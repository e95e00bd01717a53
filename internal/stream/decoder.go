package stream

import (
	"bytes"
	"log/slog"
)

// DataPrefix marks an event-carrying line.
const DataPrefix = "data:"

// MaxFrameSize bounds a single line, separator excluded. Longer lines are dropped
// whole, however they were split across fragments.
const MaxFrameSize = 1 << 20

// FrameDecoder reassembles lines from arbitrarily split fragments.
// It holds only the carry-over buffer and must be reset per request.
type FrameDecoder struct {
	buf      []byte
	overflow bool
	logger   *slog.Logger
}

// NewFrameDecoder creates a decoder. A nil logger uses slog.Default().
func NewFrameDecoder(logger *slog.Logger) *FrameDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &FrameDecoder{logger: logger}
}

// Feed appends a fragment and returns every complete data line it closes,
// in order. The trailing partial line stays buffered.
func (d *FrameDecoder) Feed(p []byte) []string {
	if len(p) == 0 {
		return nil
	}
	d.buf = append(d.buf, p...)

	var lines []string
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]

		if d.overflow {
			d.overflow = false
			continue
		}
		if len(line) > MaxFrameSize {
			d.logger.Warn("Discarding oversize frame", "bytes", len(line))
			continue
		}
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if !bytes.HasPrefix(line, []byte(DataPrefix)) {
			continue
		}
		lines = append(lines, string(line))
	}

	if len(d.buf) > MaxFrameSize {
		d.logger.Warn("Discarding oversize frame", "bytes", len(d.buf))
		d.buf = nil
		d.overflow = true
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return lines
}

// Finish ends the stream. A buffered partial frame is never actionable and is
// discarded; the number of discarded bytes is returned.
func (d *FrameDecoder) Finish() int {
	n := len(d.buf)
	if n > 0 {
		d.logger.Debug("Discarding trailing partial frame", "bytes", n, "preview", preview(d.buf))
	}
	d.Reset()
	return n
}

// Reset clears all buffered state.
func (d *FrameDecoder) Reset() {
	d.buf = nil
	d.overflow = false
}

// Buffered returns the number of bytes waiting for a separator.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}

func preview(b []byte) string {
	const limit = 80
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
