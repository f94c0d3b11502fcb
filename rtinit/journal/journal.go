// Package journal provides implementations of rtinit's Journaler interface:
// a line-delimited JSON writer, a flock-guarded journal file so only one
// bootstrap can own a data directory, a rotating file sink, and a human
// writer for the container's stderr.
package journal

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rtinit/rtinit/rtinit"
)

// Event describes the JSON structure of an event to be written.
type Event struct {
	Time time.Time    `json:"time"`
	Type string       `json:"type"`
	Data rtinit.Event `json:"data"`
}

// Writer is a simple journaler that writes line-delimited JSON events into
// the writer.
type Writer struct{ w io.Writer }

var _ rtinit.Journaler = (*Writer)(nil)

// NewWriter creates a new journal writer.
func NewWriter(w io.Writer) Writer {
	return Writer{w}
}

// Write writes the given event into the writer. Writes are concurrently safe
// and are atomic.
func (l Writer) Write(ev rtinit.Event) error {
	evJSON := Event{
		Time: time.Now(),
		Type: ev.Type(),
		Data: ev,
	}

	buf := bytes.Buffer{}
	buf.Grow(512)

	if err := json.NewEncoder(&buf).Encode(evJSON); err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}

	_, err := l.w.Write(buf.Bytes())
	if err != nil {
		return errors.Wrap(err, "failed to write event")
	}

	return nil
}

// multiWriter combines multiple journalers.
type multiWriter struct {
	writers []rtinit.Journaler
}

// MultiWriter creates a journaler that writes to multiple other journalers.
// The first write error is returned, but every journaler is always tried.
func MultiWriter(ws ...rtinit.Journaler) rtinit.Journaler {
	return &multiWriter{ws}
}

func (w *multiWriter) Write(event rtinit.Event) error {
	var firstErr error
	for _, writer := range w.writers {
		if err := writer.Write(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
