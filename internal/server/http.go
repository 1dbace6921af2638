package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/relayforge/copilot-relay/internal/api/openai"
)

// WriteJSON writes v as a JSON response body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the standard error body: {"error": {"message", "type"}}.
func WriteError(w http.ResponseWriter, status int, errType, message string) {
	WriteJSON(w, status, openai.ErrorResponse{
		Error: openai.APIError{Message: message, Type: errType},
	})
}

// SSEWriter emits server-sent events and flushes after every write.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter prepares w for an SSE response and writes the stream
// headers.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Send writes one event. An empty event name omits the "event:" line, as
// the chat-completions stream format expects.
func (s *SSEWriter) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// SendRaw writes a pre-serialized data line, used when passing upstream
// SSE payloads through untouched.
func (s *SSEWriter) SendRaw(data []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// SendDone terminates a chat-completions stream.
func (s *SSEWriter) SendDone() error {
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
