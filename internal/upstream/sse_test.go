package upstream

import (
	"strings"
	"testing"
)

func TestSSEScanner(t *testing.T) {
	stream := "event: message_start\ndata: {\"a\":1}\n\n" +
		"data: {\"b\":2}\n\n" +
		": keepalive comment\n\n" +
		"data: [DONE]\n\n" +
		"data: {\"never\":true}\n\n"

	s := NewSSEScanner(strings.NewReader(stream))

	if !s.Next() {
		t.Fatal("first event missing")
	}
	if s.Event() != "message_start" || string(s.Data()) != `{"a":1}` {
		t.Errorf("first event = %q %q", s.Event(), s.Data())
	}

	if !s.Next() {
		t.Fatal("second event missing")
	}
	if s.Event() != "" || string(s.Data()) != `{"b":2}` {
		t.Errorf("second event = %q %q", s.Event(), s.Data())
	}

	// [DONE] terminates iteration; trailing events are not delivered.
	if s.Next() {
		t.Errorf("scanner continued past [DONE]: %q", s.Data())
	}
	if s.Err() != nil {
		t.Errorf("Err() = %v", s.Err())
	}
}

func TestSSEScannerNoTrailingBlankLine(t *testing.T) {
	s := NewSSEScanner(strings.NewReader("data: {\"a\":1}"))
	if !s.Next() {
		t.Fatal("event at EOF without blank line not delivered")
	}
	if string(s.Data()) != `{"a":1}` {
		t.Errorf("data = %q", s.Data())
	}
	if s.Next() {
		t.Error("spurious event after EOF")
	}
}

func TestCatalogResponsesOnly(t *testing.T) {
	tests := []struct {
		name      string
		endpoints []string
		want      bool
	}{
		{"no endpoint list", nil, false},
		{"chat only", []string{"/chat/completions"}, false},
		{"both", []string{"/chat/completions", "/responses"}, false},
		{"responses only", []string{"/responses"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := CatalogModel{SupportedEndpoints: tt.endpoints}
			if got := m.ResponsesOnly(); got != tt.want {
				t.Errorf("ResponsesOnly() = %v, want %v", got, tt.want)
			}
		})
	}
}
