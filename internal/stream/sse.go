package stream

import (
	"fmt"
	"net/http"
)

// WriteSSE drains the stream to w as server-sent events, one JSON frame per
// event, flushing after each so deltas arrive as they are produced. It
// returns after the terminal event, when the stream overflows, or when the
// client disconnects.
func WriteSSE(w http.ResponseWriter, r *http.Request, s *Stream) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("stream: response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return r.Context().Err()
		case ev, ok := <-s.Events():
			if !ok {
				if s.Overflowed() {
					writeSSEFrame(w, flusher, OverflowEvent())
				}
				return nil
			}
			if err := writeSSEFrame(w, flusher, ev); err != nil {
				return err
			}
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, flusher http.Flusher, ev Event) error {
	data, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("stream: encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("stream: write frame: %w", err)
	}
	flusher.Flush()
	return nil
}
