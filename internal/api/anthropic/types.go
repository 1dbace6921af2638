// Package anthropic defines the Anthropic Messages wire shapes served on
// the relay's /v1/messages surface, including the SSE event grammar.
package anthropic

import (
	"encoding/json"
	"fmt"
)

// MessagesRequest is an Anthropic-style messages request.
type MessagesRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	System        SystemMessages `json:"system,omitempty"`
	Temperature   *float32       `json:"temperature,omitempty"`
	TopP          *float32       `json:"top_p,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StopSequences []string       `json:"stop_sequences,omitempty"`
	Tools         []Tool         `json:"tools,omitempty"`
	ToolChoice    *ToolChoice    `json:"tool_choice,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// ContentBlock accepts both the string shortcut and the array-of-parts form.
type ContentBlock []ContentPart

func (c *ContentBlock) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*c = ContentBlock{{Type: "text", Text: str}}
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or array of content blocks: %w", err)
	}
	*c = parts
	return nil
}

func (c ContentBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal([]ContentPart(c))
}

// ContentPart is a single content block: text, image, tool_use or
// tool_result.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`

	// tool_result
	ToolUseID string            `json:"tool_use_id,omitempty"`
	Content   ToolResultContent `json:"content,omitempty"`
	IsError   bool              `json:"is_error,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`
}

// ToolResultContent is polymorphic: a string or an array of text blocks.
type ToolResultContent []ContentPart

func (t *ToolResultContent) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		if str == "" {
			*t = nil
			return nil
		}
		*t = ToolResultContent{{Type: "text", Text: str}}
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	*t = parts
	return nil
}

func (t ToolResultContent) MarshalJSON() ([]byte, error) {
	return json.Marshal([]ContentPart(t))
}

// Flatten returns the concatenated text of the tool result.
func (t ToolResultContent) Flatten() string {
	out := ""
	for _, p := range t {
		if p.Type == "text" || p.Type == "" {
			out += p.Text
		}
	}
	return out
}

// ImageSource is a base64 or URL image reference.
type ImageSource struct {
	Type      string `json:"type"` // "base64", "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// SystemMessages accepts a string or an array of text blocks.
type SystemMessages []SystemBlock

func (s *SystemMessages) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = SystemMessages{{Type: "text", Text: str}}
		return nil
	}

	var blocks []SystemBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("system must be a string or array of text blocks: %w", err)
	}
	*s = blocks
	return nil
}

// SystemBlock is one system prompt fragment.
type SystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Tool declares a tool in Anthropic terms.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

// ToolChoice controls tool selection.
type ToolChoice struct {
	Type string `json:"type"` // "auto", "any", "tool"
	Name string `json:"name,omitempty"`
}

// MessagesResponse is a non-streaming messages response.
type MessagesResponse struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Role         string          `json:"role"`
	Content      []ResponseBlock `json:"content"`
	Model        string          `json:"model"`
	StopReason   string          `json:"stop_reason,omitempty"`
	StopSequence *string         `json:"stop_sequence"`
	Usage        Usage           `json:"usage"`
}

// ResponseBlock is one output content block (text or tool_use).
type ResponseBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`
}

// Usage reports token consumption in Anthropic terms.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CountTokensRequest is the /v1/messages/count_tokens request body.
type CountTokensRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	System   SystemMessages `json:"system,omitempty"`
	Tools    []Tool         `json:"tools,omitempty"`
}

// CountTokensResponse is the count_tokens reply.
type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

// Streaming event payloads. Clients parse this grammar strictly: every
// content block must be explicitly started and stopped, and indices must
// be consistent across start/delta/stop.

// MessageStartEvent opens a stream.
type MessageStartEvent struct {
	Type    string           `json:"type"`
	Message MessagesResponse `json:"message"`
}

// ContentBlockStartEvent opens content block Index.
type ContentBlockStartEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index"`
	ContentBlock ResponseBlock `json:"content_block"`
}

// ContentBlockDeltaEvent appends to content block Index.
type ContentBlockDeltaEvent struct {
	Type  string     `json:"type"`
	Index int        `json:"index"`
	Delta BlockDelta `json:"delta"`
}

// BlockDelta is the incremental payload of a content block.
type BlockDelta struct {
	Type        string `json:"type"` // "text_delta", "input_json_delta"
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// ContentBlockStopEvent closes content block Index.
type ContentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// MessageDeltaEvent carries the terminal stop reason and output usage.
type MessageDeltaEvent struct {
	Type  string       `json:"type"`
	Delta MessageDelta `json:"delta"`
	Usage *DeltaUsage  `json:"usage,omitempty"`
}

// MessageDelta is the message-level terminal delta.
type MessageDelta struct {
	StopReason   string  `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence"`
}

// DeltaUsage is usage attached to a message_delta.
type DeltaUsage struct {
	OutputTokens int `json:"output_tokens"`
}

// MessageStopEvent terminates a stream.
type MessageStopEvent struct {
	Type string `json:"type"`
}

// ErrorResponse is the Anthropic-style error body.
type ErrorResponse struct {
	Type  string   `json:"type"`
	Error APIError `json:"error"`
}

// APIError carries the failure detail.
type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}
