package anthropic

import (
	"github.com/google/uuid"

	"github.com/relayforge/copilot-relay/internal/api/anthropic"
	"github.com/relayforge/copilot-relay/internal/api/openai"
)

// blockState names what kind of content block is currently open on the
// Anthropic side of the stream.
type blockState int

const (
	blockNone blockState = iota
	blockText
	blockTool
)

// Event is one SSE event to emit downstream.
type Event struct {
	Type    string
	Payload any
}

// StreamState translates a chat-completion chunk stream into the
// Anthropic event grammar. Chat chunks interleave text and tool-call
// deltas freely; the Anthropic grammar requires every block to be opened
// and closed explicitly, so the state machine tracks which block is open
// and emits start/stop transitions as the chunk kind changes.
type StreamState struct {
	model string

	messageStartSent bool
	state            blockState
	nextIndex        int
	openIndex        int

	// currentToolCall is the chat-side tool_calls index whose fragments
	// feed the open tool block.
	currentToolCall int

	inputTokens  int
	outputTokens int
	stopReason   string
	finished     bool
}

// NewStreamState starts a translation for one streamed message.
func NewStreamState(model string) *StreamState {
	return &StreamState{model: model, currentToolCall: -1}
}

// Next consumes one upstream chunk and returns the Anthropic events it
// produces, in emit order. Chunks with no usable payload produce nothing.
func (s *StreamState) Next(chunk *openai.ChatCompletionChunk) []Event {
	var events []Event

	if chunk.Usage != nil {
		s.inputTokens = chunk.Usage.PromptTokens
		s.outputTokens = chunk.Usage.CompletionTokens
	}

	if len(chunk.Choices) == 0 {
		return events
	}
	choice := chunk.Choices[0]

	if !s.messageStartSent {
		events = append(events, s.startMessage(chunk))
	}

	if choice.Delta.Content != "" {
		events = append(events, s.textDelta(choice.Delta.Content)...)
	}

	for _, call := range choice.Delta.ToolCalls {
		events = append(events, s.toolDelta(call)...)
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		s.stopReason = stopReason(*choice.FinishReason)
	}

	return events
}

// Finish closes the stream: any open block is stopped, then the terminal
// message_delta and message_stop are emitted. Safe to call once after the
// upstream stream ends for any reason.
func (s *StreamState) Finish() []Event {
	if s.finished {
		return nil
	}
	s.finished = true

	var events []Event
	if !s.messageStartSent {
		events = append(events, s.startMessage(&openai.ChatCompletionChunk{Model: s.model}))
	}
	events = append(events, s.closeBlock()...)

	reason := s.stopReason
	if reason == "" {
		reason = "end_turn"
	}
	events = append(events,
		Event{
			Type: "message_delta",
			Payload: anthropic.MessageDeltaEvent{
				Type:  "message_delta",
				Delta: anthropic.MessageDelta{StopReason: reason},
				Usage: &anthropic.DeltaUsage{OutputTokens: s.outputTokens},
			},
		},
		Event{
			Type:    "message_stop",
			Payload: anthropic.MessageStopEvent{Type: "message_stop"},
		},
	)
	return events
}

func (s *StreamState) startMessage(chunk *openai.ChatCompletionChunk) Event {
	s.messageStartSent = true
	id := chunk.ID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	model := chunk.Model
	if model == "" {
		model = s.model
	}
	return Event{
		Type: "message_start",
		Payload: anthropic.MessageStartEvent{
			Type: "message_start",
			Message: anthropic.MessagesResponse{
				ID:      id,
				Type:    "message",
				Role:    "assistant",
				Content: []anthropic.ResponseBlock{},
				Model:   model,
				Usage:   anthropic.Usage{InputTokens: s.inputTokens},
			},
		},
	}
}

func (s *StreamState) textDelta(text string) []Event {
	var events []Event
	if s.state != blockText {
		events = append(events, s.closeBlock()...)
		s.openIndex = s.nextIndex
		s.nextIndex++
		s.state = blockText
		events = append(events, Event{
			Type: "content_block_start",
			Payload: anthropic.ContentBlockStartEvent{
				Type:         "content_block_start",
				Index:        s.openIndex,
				ContentBlock: anthropic.ResponseBlock{Type: "text", Text: ""},
			},
		})
	}
	events = append(events, Event{
		Type: "content_block_delta",
		Payload: anthropic.ContentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: s.openIndex,
			Delta: anthropic.BlockDelta{Type: "text_delta", Text: text},
		},
	})
	return events
}

func (s *StreamState) toolDelta(call openai.ToolCallChunk) []Event {
	var events []Event

	// A new chat-side index or an ID on the fragment opens a fresh block;
	// argument-only fragments continue the current one.
	newCall := s.state != blockTool || call.Index != s.currentToolCall || call.ID != ""
	if newCall {
		events = append(events, s.closeBlock()...)
		s.openIndex = s.nextIndex
		s.nextIndex++
		s.state = blockTool
		s.currentToolCall = call.Index

		id := call.ID
		if id == "" {
			id = "toolu_" + uuid.NewString()
		}
		name := ""
		if call.Function != nil {
			name = call.Function.Name
		}
		events = append(events, Event{
			Type: "content_block_start",
			Payload: anthropic.ContentBlockStartEvent{
				Type:  "content_block_start",
				Index: s.openIndex,
				ContentBlock: anthropic.ResponseBlock{
					Type:  "tool_use",
					ID:    id,
					Name:  name,
					Input: map[string]any{},
				},
			},
		})
	}

	if call.Function != nil && call.Function.Arguments != "" {
		events = append(events, Event{
			Type: "content_block_delta",
			Payload: anthropic.ContentBlockDeltaEvent{
				Type:  "content_block_delta",
				Index: s.openIndex,
				Delta: anthropic.BlockDelta{
					Type:        "input_json_delta",
					PartialJSON: call.Function.Arguments,
				},
			},
		})
	}
	return events
}

func (s *StreamState) closeBlock() []Event {
	if s.state == blockNone {
		return nil
	}
	stop := Event{
		Type: "content_block_stop",
		Payload: anthropic.ContentBlockStopEvent{
			Type:  "content_block_stop",
			Index: s.openIndex,
		},
	}
	s.state = blockNone
	s.currentToolCall = -1
	return []Event{stop}
}
