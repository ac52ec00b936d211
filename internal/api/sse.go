package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"paperlens/internal/stream"
)

const doneData = "[DONE]"

var errStreamingUnsupported = errors.New("streaming not supported")

// sseWriter writes server-sent events. Headers go out with the first event,
// so a handler can still answer with plain JSON until then.
type sseWriter struct {
	c       *gin.Context
	flusher http.Flusher
	started bool
}

func newSSEWriter(c *gin.Context) *sseWriter {
	return &sseWriter{c: c}
}

func (w *sseWriter) start() error {
	if w.started {
		return nil
	}
	flusher, ok := w.c.Writer.(http.Flusher)
	if !ok {
		return errStreamingUnsupported
	}
	w.flusher = flusher
	header := w.c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.c.Status(http.StatusOK)
	w.started = true
	return nil
}

// Emit sends one event. Multi-line data is split over several data lines.
func (w *sseWriter) Emit(ev stream.Event) error {
	if err := w.c.Request.Context().Err(); err != nil {
		return err
	}
	if err := w.start(); err != nil {
		return err
	}
	var sb strings.Builder
	if ev.Name != "" {
		fmt.Fprintf(&sb, "event: %s\n", ev.Name)
	}
	data := strings.ReplaceAll(ev.Data, "\r\n", "\n")
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&sb, "data: %s\n", line)
	}
	sb.WriteString("\n")
	if _, err := w.c.Writer.WriteString(sb.String()); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// Done marks the end of the stream.
func (w *sseWriter) Done() error {
	return w.Emit(stream.Event{Name: stream.EventDone, Data: doneData})
}
