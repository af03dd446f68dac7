package proxy

import (
	"fmt"
	"net/http"
)

// sseEvent is one buffered server-sent event. A response stream holds tool
// call events back until the invocation verdict is known, then either
// flushes or discards them.
type sseEvent struct {
	name string
	data []byte
}

// sseWriter writes server-sent events straight to the client, flushing
// after every event so tokens render as they arrive.
type sseWriter struct {
	w    http.ResponseWriter
	ctrl *http.ResponseController
}

// newSSEWriter sets the streaming headers and commits the 200 status. After
// this point errors can only be reported in-stream.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Del("Content-Length")
	w.WriteHeader(http.StatusOK)

	ctrl := http.NewResponseController(w)
	if err := ctrl.Flush(); err != nil {
		return nil, fmt.Errorf("streaming unsupported: %w", err)
	}

	return &sseWriter{w: w, ctrl: ctrl}, nil
}

// WriteEvent writes one event and flushes it. An empty name omits the event
// line, which is the OpenAI framing; Anthropic events always carry a name.
func (s *sseWriter) WriteEvent(name string, data []byte) {
	if name != "" {
		fmt.Fprintf(s.w, "event: %s\n", name)
	}
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.ctrl.Flush()
}

// WriteDone writes the OpenAI stream terminator.
func (s *sseWriter) WriteDone() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.ctrl.Flush()
}
