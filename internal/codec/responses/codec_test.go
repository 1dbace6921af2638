package responses

import (
	"encoding/json"
	"testing"

	"github.com/relayforge/copilot-relay/internal/api/openai"
)

func TestFromChatRequest(t *testing.T) {
	var req openai.ChatCompletionRequest
	body := `{
		"model": "gpt-5-codex",
		"max_tokens": 256,
		"stream": true,
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "run the tests"},
			{"role": "assistant", "content": "", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "shell", "arguments": "{\"cmd\":\"ls\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "ok"}
		],
		"tools": [{"type": "function", "function": {"name": "shell", "description": "run a command"}}]
	}`
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}

	out, err := FromChatRequest(&req)
	if err != nil {
		t.Fatalf("FromChatRequest: %v", err)
	}

	if out.Model != "gpt-5-codex" || out.MaxOutputTokens != 256 || !out.Stream {
		t.Errorf("scalar fields = %+v", out)
	}
	if out.Store == nil || *out.Store {
		t.Error("store flag not disabled")
	}
	if len(out.Input) != 4 {
		t.Fatalf("got %d input items, want 4", len(out.Input))
	}
	if out.Input[0].Type != "message" || out.Input[0].Role != "system" {
		t.Errorf("system item = %+v", out.Input[0])
	}
	if out.Input[2].Type != "function_call" || out.Input[2].CallID != "call_1" || out.Input[2].Name != "shell" {
		t.Errorf("function_call item = %+v", out.Input[2])
	}
	if out.Input[3].Type != "function_call_output" || out.Input[3].Output != "ok" {
		t.Errorf("function_call_output item = %+v", out.Input[3])
	}
	if len(out.Tools) != 1 || out.Tools[0].Name != "shell" || out.Tools[0].Type != "function" {
		t.Errorf("tools = %+v", out.Tools)
	}
}

func TestToChatResponse(t *testing.T) {
	resp := &openai.ResponsesResponse{
		ID:     "resp_1",
		Status: "completed",
		Model:  "gpt-5-codex",
		Output: []openai.ResponsesItem{
			{Type: "message", Role: "assistant", Content: openai.ResponsesMessageContent{
				{Type: "output_text", Text: "running"},
			}},
			{Type: "function_call", CallID: "call_9", Name: "shell", Arguments: `{"cmd":"go test"}`},
		},
		Usage: &openai.ResponsesUsage{InputTokens: 12, OutputTokens: 4, TotalTokens: 16},
	}

	out := ToChatResponse(resp)
	if out.ID != "resp_1" || out.Object != "chat.completion" {
		t.Errorf("envelope = %+v", out)
	}
	choice := out.Choices[0]
	if choice.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q, want tool_calls", choice.FinishReason)
	}
	if choice.Message.Content.Flatten() != "running" {
		t.Errorf("content = %q", choice.Message.Content.Flatten())
	}
	if len(choice.Message.ToolCalls) != 1 || choice.Message.ToolCalls[0].ID != "call_9" {
		t.Errorf("tool calls = %+v", choice.Message.ToolCalls)
	}
	if out.Usage.TotalTokens != 16 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestStreamReassembly(t *testing.T) {
	s := NewStreamState("gpt-5-codex")

	var chunks []*openai.ChatCompletionChunk
	feed := func(raw string) {
		var event openai.ResponsesStreamEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		chunks = append(chunks, s.Next(&event)...)
	}

	feed(`{"type": "response.created", "response": {"id": "resp_1"}}`)
	feed(`{"type": "response.output_item.added", "output_index": 0, "item": {"type": "message"}}`)
	feed(`{"type": "response.output_text.delta", "item_id": "msg_1", "output_index": 0, "delta": "hel"}`)
	feed(`{"type": "response.output_text.delta", "item_id": "msg_1", "output_index": 0, "delta": "lo"}`)
	feed(`{"type": "response.output_item.added", "output_index": 1, "item": {"type": "function_call", "call_id": "call_1", "name": "shell"}}`)
	feed(`{"type": "response.function_call_arguments.delta", "output_index": 1, "delta": "{\"cmd\":"}`)
	feed(`{"type": "response.function_call_arguments.delta", "output_index": 1, "delta": "\"ls\"}"}`)
	feed(`{"type": "response.completed", "response": {"id": "resp_1", "usage": {"input_tokens": 9, "output_tokens": 2, "total_tokens": 11}}}`)

	// role, 2 text deltas, tool open, 2 argument deltas, finish.
	if len(chunks) != 7 {
		t.Fatalf("got %d chunks: %+v", len(chunks), chunks)
	}

	if chunks[0].Choices[0].Delta.Role != "assistant" {
		t.Errorf("first chunk = %+v", chunks[0].Choices[0].Delta)
	}
	if chunks[1].Choices[0].Delta.Content != "hel" || chunks[2].Choices[0].Delta.Content != "lo" {
		t.Errorf("text deltas = %+v %+v", chunks[1], chunks[2])
	}

	open := chunks[3].Choices[0].Delta.ToolCalls[0]
	if open.Index != 0 || open.ID != "call_1" || open.Function.Name != "shell" {
		t.Errorf("tool open chunk = %+v", open)
	}
	args := chunks[4].Choices[0].Delta.ToolCalls[0]
	if args.Index != 0 || args.Function.Arguments != `{"cmd":` {
		t.Errorf("argument delta = %+v", args)
	}

	last := chunks[6]
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("finish reason = %v", last.Choices[0].FinishReason)
	}
	if last.Usage == nil || last.Usage.TotalTokens != 11 {
		t.Errorf("usage = %+v", last.Usage)
	}
	if last.ID != "resp_1" {
		t.Errorf("chunk id = %q", last.ID)
	}

	// Terminal events after completion are ignored.
	feed(`{"type": "response.completed", "response": {"id": "resp_1"}}`)
	if len(chunks) != 7 {
		t.Errorf("duplicate completion produced chunks: %d", len(chunks))
	}
}

func TestStreamUnknownEventsIgnored(t *testing.T) {
	s := NewStreamState("gpt-5-codex")
	event := &openai.ResponsesStreamEvent{Type: "response.reasoning_summary.delta", Delta: "hmm"}
	if got := s.Next(event); got != nil {
		t.Errorf("unknown event produced chunks: %+v", got)
	}
}
