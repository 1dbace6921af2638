package anthropic

import (
	"testing"

	"github.com/relayforge/copilot-relay/internal/api/anthropic"
	"github.com/relayforge/copilot-relay/internal/api/openai"
)

func textChunk(text string) *openai.ChatCompletionChunk {
	return &openai.ChatCompletionChunk{
		ID:      "chatcmpl-1",
		Model:   "gpt-4o",
		Choices: []openai.ChunkChoice{{Delta: openai.ChunkDelta{Content: text}}},
	}
}

func toolChunk(index int, id, name, args string) *openai.ChatCompletionChunk {
	return &openai.ChatCompletionChunk{
		ID:    "chatcmpl-1",
		Model: "gpt-4o",
		Choices: []openai.ChunkChoice{{Delta: openai.ChunkDelta{
			ToolCalls: []openai.ToolCallChunk{{
				Index:    index,
				ID:       id,
				Function: &openai.FunctionCallChunk{Name: name, Arguments: args},
			}},
		}}},
	}
}

func finishChunk(reason string) *openai.ChatCompletionChunk {
	return &openai.ChatCompletionChunk{
		ID:      "chatcmpl-1",
		Model:   "gpt-4o",
		Choices: []openai.ChunkChoice{{FinishReason: &reason}},
		Usage:   &openai.Usage{PromptTokens: 7, CompletionTokens: 3},
	}
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestStreamTextThenToolSequence(t *testing.T) {
	s := NewStreamState("gpt-4o")

	var all []Event
	all = append(all, s.Next(textChunk("hel"))...)
	all = append(all, s.Next(textChunk("lo"))...)
	all = append(all, s.Next(toolChunk(0, "call_1", "get_weather", ""))...)
	all = append(all, s.Next(toolChunk(0, "", "", `{"city":`))...)
	all = append(all, s.Next(toolChunk(0, "", "", `"paris"}`))...)
	all = append(all, s.Next(finishChunk("tool_calls"))...)
	all = append(all, s.Finish()...)

	want := []string{
		"message_start",
		"content_block_start", // text
		"content_block_delta",
		"content_block_delta",
		"content_block_stop", // text closed by tool transition
		"content_block_start", // tool
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	got := eventTypes(all)
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}

	// Text block is index 0, tool block index 1.
	start := all[5].Payload.(anthropic.ContentBlockStartEvent)
	if start.Index != 1 || start.ContentBlock.Type != "tool_use" || start.ContentBlock.Name != "get_weather" {
		t.Errorf("tool block start = %+v", start)
	}
	delta := all[6].Payload.(anthropic.ContentBlockDeltaEvent)
	if delta.Delta.Type != "input_json_delta" || delta.Delta.PartialJSON != `{"city":` {
		t.Errorf("tool delta = %+v", delta)
	}

	msgDelta := all[9].Payload.(anthropic.MessageDeltaEvent)
	if msgDelta.Delta.StopReason != "tool_use" {
		t.Errorf("stop reason = %q, want tool_use", msgDelta.Delta.StopReason)
	}
	if msgDelta.Usage == nil || msgDelta.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", msgDelta.Usage)
	}
}

func TestStreamMessageStartOnce(t *testing.T) {
	s := NewStreamState("gpt-4o")

	starts := 0
	for _, chunk := range []*openai.ChatCompletionChunk{textChunk("a"), textChunk("b"), textChunk("c")} {
		for _, e := range s.Next(chunk) {
			if e.Type == "message_start" {
				starts++
			}
		}
	}
	if starts != 1 {
		t.Errorf("message_start emitted %d times, want 1", starts)
	}
}

func TestStreamSecondToolCallOpensNewBlock(t *testing.T) {
	s := NewStreamState("gpt-4o")

	var all []Event
	all = append(all, s.Next(toolChunk(0, "call_1", "f", ""))...)
	all = append(all, s.Next(toolChunk(0, "", "", `{}`))...)
	all = append(all, s.Next(toolChunk(1, "call_2", "g", ""))...)
	all = append(all, s.Finish()...)

	blocks := 0
	for _, e := range all {
		if e.Type == "content_block_start" {
			start := e.Payload.(anthropic.ContentBlockStartEvent)
			if start.Index != blocks {
				t.Errorf("block %d started with index %d", blocks, start.Index)
			}
			blocks++
		}
	}
	if blocks != 2 {
		t.Errorf("got %d tool blocks, want 2", blocks)
	}
}

func TestStreamEmptyUpstream(t *testing.T) {
	s := NewStreamState("gpt-4o")

	got := eventTypes(s.Finish())
	want := []string{"message_start", "message_delta", "message_stop"}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}

	delta := s.Finish()
	if delta != nil {
		t.Errorf("second Finish() = %v, want nil", eventTypes(delta))
	}
}
