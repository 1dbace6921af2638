package upstream

import (
	"bufio"
	"bytes"
	"io"
)

// SSEScanner iterates the events of an upstream SSE body. A "[DONE]"
// sentinel or EOF ends iteration.
type SSEScanner struct {
	scanner *bufio.Scanner
	event   string
	data    []byte
}

// NewSSEScanner wraps an SSE stream. The buffer accommodates large model
// payloads that overflow bufio's default line limit.
func NewSSEScanner(r io.Reader) *SSEScanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &SSEScanner{scanner: scanner}
}

// Next advances to the next event, reporting false at end of stream.
func (s *SSEScanner) Next() bool {
	s.event = ""
	s.data = nil

	for s.scanner.Scan() {
		line := s.scanner.Bytes()

		if len(line) == 0 {
			if s.data != nil {
				return true
			}
			continue
		}

		if rest, ok := bytes.CutPrefix(line, []byte("event:")); ok {
			s.event = string(bytes.TrimSpace(rest))
			continue
		}
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			payload := bytes.TrimSpace(rest)
			if bytes.Equal(payload, []byte("[DONE]")) {
				return false
			}
			if s.data != nil {
				s.data = append(s.data, '\n')
			}
			s.data = append(s.data, payload...)
		}
	}

	// Stream ended without a trailing blank line.
	return s.data != nil
}

// Event returns the current event name, empty when none was given.
func (s *SSEScanner) Event() string { return s.event }

// Data returns the current event's payload.
func (s *SSEScanner) Data() []byte { return s.data }

// Err reports a scanning failure, nil at clean EOF.
func (s *SSEScanner) Err() error { return s.scanner.Err() }
