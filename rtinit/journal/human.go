package journal

import (
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rtinit/rtinit/rtinit"
)

// HumanWriter renders events for a human reader, which in a container means
// stderr. It is a thin skin over zerolog's console writer; the event's JSON
// body rides along as a single field so nothing is lost against the file
// journal.
type HumanWriter struct {
	log zerolog.Logger
}

var _ rtinit.Journaler = (*HumanWriter)(nil)

// NewHumanWriter creates a journaler that pretty-prints events into w.
func NewHumanWriter(w io.Writer) *HumanWriter {
	zl := zerolog.New(zerolog.NewConsoleWriter(func(cw *zerolog.ConsoleWriter) {
		cw.Out = w
		cw.NoColor = true
		cw.TimeFormat = time.RFC3339
	})).With().Timestamp().Logger()

	return &HumanWriter{log: zl}
}

// Write renders the event. Warnings are logged at warn level, everything
// else at info.
func (w *HumanWriter) Write(ev rtinit.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}

	entry := w.log.Info()
	if _, ok := ev.(*rtinit.EventWarning); ok {
		entry = w.log.Warn()
	}

	entry.RawJSON("event", body).Msg(ev.Type())
	return nil
}
