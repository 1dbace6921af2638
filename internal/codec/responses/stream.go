package responses

import (
	"time"

	"github.com/relayforge/copilot-relay/internal/api/openai"
)

// StreamState reassembles a Responses event stream into chat-completion
// chunks. Items are keyed by output_index so interleaved text and
// function-call items map onto stable chat-side tool_calls indices.
type StreamState struct {
	model string

	id      string
	created int64

	// toolIndex maps a Responses output_index to its chat tool_calls
	// index, assigned in arrival order.
	toolIndex map[int]int
	nextTool  int

	// textItems marks output indices that are message items, so their
	// deltas become content rather than tool arguments.
	textItems map[int]bool

	finished bool
}

// NewStreamState starts a bridge translation for one streamed response.
func NewStreamState(model string) *StreamState {
	return &StreamState{
		model:     model,
		created:   time.Now().Unix(),
		toolIndex: make(map[int]int),
		textItems: make(map[int]bool),
	}
}

// Next consumes one Responses stream event and returns the chat chunks it
// yields. Unknown event types produce nothing.
func (s *StreamState) Next(event *openai.ResponsesStreamEvent) []*openai.ChatCompletionChunk {
	switch event.Type {
	case "response.created":
		if event.Response != nil {
			s.id = event.Response.ID
			if event.Response.CreatedAt != 0 {
				s.created = event.Response.CreatedAt
			}
		}
		return []*openai.ChatCompletionChunk{s.chunk(openai.ChunkDelta{Role: "assistant"}, nil)}

	case "response.output_item.added":
		if event.Item == nil {
			return nil
		}
		switch event.Item.Type {
		case "message":
			s.textItems[event.OutputIndex] = true
			return nil
		case "function_call":
			idx := s.nextTool
			s.nextTool++
			s.toolIndex[event.OutputIndex] = idx
			return []*openai.ChatCompletionChunk{s.chunk(openai.ChunkDelta{
				ToolCalls: []openai.ToolCallChunk{{
					Index: idx,
					ID:    event.Item.CallID,
					Type:  "function",
					Function: &openai.FunctionCallChunk{
						Name: event.Item.Name,
					},
				}},
			}, nil)}
		}
		return nil

	case "response.output_text.delta":
		if event.Delta == "" {
			return nil
		}
		return []*openai.ChatCompletionChunk{s.chunk(openai.ChunkDelta{Content: event.Delta}, nil)}

	case "response.function_call_arguments.delta":
		idx, ok := s.toolIndex[event.OutputIndex]
		if !ok {
			return nil
		}
		return []*openai.ChatCompletionChunk{s.chunk(openai.ChunkDelta{
			ToolCalls: []openai.ToolCallChunk{{
				Index:    idx,
				Function: &openai.FunctionCallChunk{Arguments: event.Delta},
			}},
		}, nil)}

	case "response.completed", "response.incomplete", "response.failed":
		return s.finish(event)
	}
	return nil
}

func (s *StreamState) finish(event *openai.ResponsesStreamEvent) []*openai.ChatCompletionChunk {
	if s.finished {
		return nil
	}
	s.finished = true

	finish := "stop"
	if s.nextTool > 0 {
		finish = "tool_calls"
	}
	if event.Type == "response.incomplete" {
		finish = "length"
	}

	chunk := s.chunk(openai.ChunkDelta{}, &finish)
	if event.Response != nil && event.Response.Usage != nil {
		chunk.Usage = &openai.Usage{
			PromptTokens:     event.Response.Usage.InputTokens,
			CompletionTokens: event.Response.Usage.OutputTokens,
			TotalTokens:      event.Response.Usage.TotalTokens,
		}
	}
	return []*openai.ChatCompletionChunk{chunk}
}

func (s *StreamState) chunk(delta openai.ChunkDelta, finishReason *string) *openai.ChatCompletionChunk {
	return &openai.ChatCompletionChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []openai.ChunkChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finishReason,
		}},
	}
}
