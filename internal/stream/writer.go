package stream

import (
	"encoding/json"
	"fmt"
	"io"
)

// WriteEvent encodes ev as a single data frame followed by a blank line.
func WriteEvent(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Kind, err)
	}
	_, err = fmt.Fprintf(w, "%s %s\n\n", DataPrefix, data)
	return err
}

// WriteRetry writes the reconnect hint. Decoders ignore it.
func WriteRetry(w io.Writer, ms int64) error {
	_, err := fmt.Fprintf(w, "retry: %d\n\n", ms)
	return err
}

// WriteComment writes a comment line. The dev backend sends them as keepalives.
func WriteComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}
