package stream

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// Classifier parses data lines into events. Bad frames are logged and dropped so a
// single malformed line never aborts the stream.
type Classifier struct {
	logger *slog.Logger

	malformed int
	unknown   int
}

// NewClassifier creates a classifier. A nil logger uses slog.Default().
func NewClassifier(logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{logger: logger}
}

// Classify strips the data prefix and decodes the payload. It returns false for
// lines that carry no actionable event.
func (c *Classifier) Classify(line string) (Event, bool) {
	payload, ok := strings.CutPrefix(line, DataPrefix)
	if !ok {
		c.logger.Debug("Ignoring line without data prefix", "preview", preview([]byte(line)))
		return Event{}, false
	}
	payload = strings.TrimSpace(payload)

	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		c.malformed++
		c.logger.Warn("Discarding malformed frame", "error", err, "bytes", len(payload), "preview", preview([]byte(payload)))
		return Event{}, false
	}
	if !ev.Kind.Known() {
		c.unknown++
		c.logger.Debug("Ignoring unknown event kind", "type", string(ev.Kind))
		return Event{}, false
	}
	ev.Cause = CauseServer
	return ev, true
}

// Dropped returns the count of malformed and unknown frames seen so far.
func (c *Classifier) Dropped() (malformed, unknown int) {
	return c.malformed, c.unknown
}

// Classify parses one line with the default logger.
func Classify(line string) (Event, bool) {
	return NewClassifier(nil).Classify(line)
}
