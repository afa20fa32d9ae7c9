package stream

import (
	"net/http"

	"github.com/alanbriolat/audio-relay/internal/remux"
)

// headerWriter commits the response headers on the first byte, so that a failure before any output can still be
// reported with an error status.
type headerWriter struct {
	w       http.ResponseWriter
	started bool
}

func (h *headerWriter) Write(p []byte) (int, error) {
	if !h.started {
		header := h.w.Header()
		header.Set("Content-Type", remux.ContentType)
		header.Set("Cache-Control", "no-store")
		header.Set("X-Content-Type-Options", "nosniff")
		h.w.WriteHeader(http.StatusOK)
		h.started = true
	}
	return h.w.Write(p)
}

func (h *headerWriter) Flush() {
	if f, ok := h.w.(http.Flusher); ok {
		f.Flush()
	}
}
