package tokens

import (
	"encoding/json"
	"testing"

	"github.com/relayforge/copilot-relay/internal/api/anthropic"
)

func countRequest(t *testing.T, body string) *anthropic.CountTokensRequest {
	t.Helper()
	var req anthropic.CountTokensRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	return &req
}

func TestEstimateUnknownModelReturnsOne(t *testing.T) {
	req := countRequest(t, `{"model": "o4-mini", "messages": [{"role": "user", "content": "a long enough prompt that would count many tokens"}]}`)
	if got := EstimateMessages(req); got != 1 {
		t.Errorf("EstimateMessages = %d, want 1 for unknown family", got)
	}
}

func TestEstimateScalesByFamily(t *testing.T) {
	const prompt = "please summarize the following paragraph about distributed systems and consensus protocols"
	body := func(model string) string {
		return `{"model": "` + model + `", "messages": [{"role": "user", "content": "` + prompt + `"}]}`
	}

	enc, err := getCodec()
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	raw := countText(enc, prompt) + perMessageOverhead

	claude := EstimateMessages(countRequest(t, body("claude-sonnet-4")))
	grok := EstimateMessages(countRequest(t, body("grok-3")))

	// Same text, so each estimate is the raw count under its family factor.
	if want := scale(raw, 1.15); claude != want {
		t.Errorf("claude estimate = %d, want %d (raw %d at 1.15)", claude, want, raw)
	}
	if want := scale(raw, 1.03); grok != want {
		t.Errorf("grok estimate = %d, want %d (raw %d at 1.03)", grok, want, raw)
	}
}

func TestScaleAppliesExactFactors(t *testing.T) {
	tests := []struct {
		model string
		raw   int
		want  int
	}{
		{"claude-sonnet-4", 100, 115},
		{"grok-3", 100, 103},
		{"claude-sonnet-4", 0, 1},
	}
	for _, tt := range tests {
		if got := scale(tt.raw, factorFor(tt.model)); got != tt.want {
			t.Errorf("scale(%d, factorFor(%q)) = %d, want %d", tt.raw, tt.model, got, tt.want)
		}
	}
}

func TestEstimateCountsToolsAndResults(t *testing.T) {
	base := countRequest(t, `{"model": "claude-sonnet-4", "messages": [{"role": "user", "content": "hi"}]}`)
	withTools := countRequest(t, `{
		"model": "claude-sonnet-4",
		"system": "you are a helpful assistant",
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": [{"type": "tool_use", "id": "t1", "name": "search", "input": {"query": "golang"}}]},
			{"role": "user", "content": [{"type": "tool_result", "tool_use_id": "t1", "content": "result text"}]}
		],
		"tools": [{"name": "search", "description": "search the web", "input_schema": {"type": "object", "properties": {"query": {"type": "string"}}}}]
	}`)

	a, b := EstimateMessages(base), EstimateMessages(withTools)
	if b <= a {
		t.Errorf("tool-bearing request estimate %d should exceed plain %d", b, a)
	}
}

func TestSupported(t *testing.T) {
	tests := []struct {
		model string
		want  bool
	}{
		{"claude-sonnet-4", true},
		{"Claude-Opus-4", true},
		{"grok-3-mini", true},
		{"gpt-4o", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := Supported(tt.model); got != tt.want {
			t.Errorf("Supported(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}
