package openai

import "encoding/json"

// Responses API wire shapes. Some upstream models are not served by the
// plain chat-completions endpoint; the relay bridges those through the
// Responses API and reconstructs chat-completion chunks downstream.

// ResponsesRequest is a request to the upstream Responses endpoint.
type ResponsesRequest struct {
	Model           string          `json:"model"`
	Input           []ResponsesItem `json:"input"`
	Instructions    string          `json:"instructions,omitempty"`
	Tools           []ResponsesTool `json:"tools,omitempty"`
	ToolChoice      any             `json:"tool_choice,omitempty"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
	Temperature     *float32        `json:"temperature,omitempty"`
	TopP            *float32        `json:"top_p,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	Store           *bool           `json:"store,omitempty"`

	// Extra preserves unrecognized request fields so they survive the
	// round trip to the upstream untouched.
	Extra map[string]json.RawMessage `json:"-"`
}

// MarshalJSON re-serializes the typed fields and the passthrough extras
// into a single object.
func (r ResponsesRequest) MarshalJSON() ([]byte, error) {
	type alias ResponsesRequest
	base, err := json.Marshal(alias(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// ResponsesTool is the flat tool shape of the Responses API (no nested
// "function" object, unlike chat completions).
type ResponsesTool struct {
	Type        string `json:"type"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// ResponsesItem is one input or output item: a message, a function call,
// or a function call output.
type ResponsesItem struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// message
	Role    string                  `json:"role,omitempty"`
	Content ResponsesMessageContent `json:"content,omitempty"`

	// function_call
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// function_call_output
	Output string `json:"output,omitempty"`

	Status string `json:"status,omitempty"`
}

// ResponsesMessageContent is polymorphic: string or array of typed parts.
type ResponsesMessageContent []ResponsesContentPart

func (c *ResponsesMessageContent) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*c = ResponsesMessageContent{{Type: "input_text", Text: str}}
		return nil
	}
	var parts []ResponsesContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	*c = parts
	return nil
}

// ResponsesContentPart is a typed content fragment of a Responses message.
type ResponsesContentPart struct {
	Type     string `json:"type"` // "input_text", "input_image", "output_text"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ResponsesResponse is a completed (non-streaming) Responses result.
type ResponsesResponse struct {
	ID        string          `json:"id"`
	Object    string          `json:"object"`
	CreatedAt int64           `json:"created_at"`
	Status    string          `json:"status"`
	Model     string          `json:"model"`
	Output    []ResponsesItem `json:"output"`
	Usage     *ResponsesUsage `json:"usage,omitempty"`
	Error     *ResponsesError `json:"error,omitempty"`
}

// ResponsesUsage is token usage in Responses terms.
type ResponsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ResponsesError is the failure detail of a Responses result.
type ResponsesError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponsesStreamEvent is one SSE event of a streaming Responses call.
// The event type discriminates which fields are populated.
type ResponsesStreamEvent struct {
	Type string `json:"type"`

	// response.created / response.completed / response.failed
	Response *ResponsesResponse `json:"response,omitempty"`

	// response.output_item.added / response.output_item.done
	OutputIndex int            `json:"output_index,omitempty"`
	Item        *ResponsesItem `json:"item,omitempty"`

	// response.output_text.delta / response.function_call_arguments.delta
	ItemID string `json:"item_id,omitempty"`
	Delta  string `json:"delta,omitempty"`
}
