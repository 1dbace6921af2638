// Package openai defines the OpenAI-compatible wire shapes the relay speaks
// on its downstream surface and against the upstream chat-completions and
// Responses endpoints. These are pure value types; translation between
// protocol families lives in internal/codec.
package openai

import (
	"encoding/json"
	"fmt"
)

// ChatCompletionRequest is an OpenAI-style chat completion request.
type ChatCompletionRequest struct {
	Model       string                  `json:"model"`
	Messages    []ChatCompletionMessage `json:"messages"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Temperature *float32                `json:"temperature,omitempty"`
	TopP        *float32                `json:"top_p,omitempty"`
	N           int                     `json:"n,omitempty"`
	Stream      bool                    `json:"stream,omitempty"`
	Stop        []string                `json:"stop,omitempty"`
	User        string                  `json:"user,omitempty"`
	Tools       []Tool                  `json:"tools,omitempty"`
	ToolChoice  any                     `json:"tool_choice,omitempty"`
}

// ChatCompletionMessage is a single conversation message. Content is
// polymorphic on the wire: a plain string or an array of content parts.
type ChatCompletionMessage struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// MessageContent holds either a string body or structured content parts.
// Exactly one of Text/Parts is populated after unmarshalling; IsText
// distinguishes an empty string from an empty part list.
type MessageContent struct {
	Text   string
	Parts  []ContentPart
	IsText bool
}

// ContentPart is one element of an array-form message content.
type ContentPart struct {
	Type     string    `json:"type"` // "text", "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image reference (https or data URI).
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = MessageContent{IsText: true}
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*m = MessageContent{Text: str, IsText: true}
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or array of content parts: %w", err)
	}
	*m = MessageContent{Parts: parts}
	return nil
}

func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.IsText {
		return json.Marshal(m.Text)
	}
	return json.Marshal(m.Parts)
}

// Flatten returns the concatenated text of the content, regardless of form.
func (m MessageContent) Flatten() string {
	if m.IsText {
		return m.Text
	}
	out := ""
	for _, p := range m.Parts {
		if p.Type == "text" || p.Type == "" {
			out += p.Text
		}
	}
	return out
}

// HasImage reports whether any part carries image content.
func (m MessageContent) HasImage() bool {
	for _, p := range m.Parts {
		if p.Type == "image_url" {
			return true
		}
	}
	return false
}

// Text constructs a plain-string message content.
func Text(s string) MessageContent {
	return MessageContent{Text: s, IsText: true}
}

// Tool declares a function tool the model may call.
type Tool struct {
	Type     string       `json:"type"`
	Function FunctionTool `json:"function"`
}

// FunctionTool describes a callable function.
type FunctionTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// ToolCall is a completed tool invocation emitted by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names a function and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatCompletionResponse is a non-streaming completion response.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage,omitempty"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int                   `json:"index"`
	Message      ChatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is one streaming SSE payload.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ChunkChoice is a choice inside a streaming chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta carries the incremental content of a chunk.
type ChunkDelta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallChunk `json:"tool_calls,omitempty"`
}

// ToolCallChunk is a partial tool call in a streaming delta. Index
// identifies which in-progress call the fragment belongs to.
type ToolCallChunk struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function *FunctionCallChunk `json:"function,omitempty"`
}

// FunctionCallChunk is a partial function call fragment.
type FunctionCallChunk struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Model is one entry of the downstream /models listing.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the downstream /models response shape.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// EmbeddingsRequest is decoded for validation only; the raw body is
// forwarded to the upstream untouched. Input may be a string or an array.
type EmbeddingsRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
	User  string `json:"user,omitempty"`
}

// ErrorResponse is the error body shape returned to downstream clients.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// APIError carries the client-facing failure detail.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return e.Type + ": " + e.Message
	}
	return e.Message
}
