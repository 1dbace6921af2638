// Package responses bridges chat-completion traffic onto the upstream
// Responses API for models served only there. Requests are rewritten into
// Responses input items; results and stream events are folded back into
// chat-completion shapes so downstream clients never see the bridge.
package responses

import (
	"fmt"
	"time"

	"github.com/relayforge/copilot-relay/internal/api/openai"
)

// FromChatRequest rewrites a chat-completions request as a Responses
// request.
func FromChatRequest(req *openai.ChatCompletionRequest) (*openai.ResponsesRequest, error) {
	out := &openai.ResponsesRequest{
		Model:           req.Model,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Stream:          req.Stream,
		ToolChoice:      req.ToolChoice,
	}
	// The upstream rejects stored responses for bridged traffic.
	storeOff := false
	out.Store = &storeOff

	for _, msg := range req.Messages {
		items, err := convertMessage(msg)
		if err != nil {
			return nil, err
		}
		out.Input = append(out.Input, items...)
	}

	for _, tool := range req.Tools {
		if tool.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, openai.ResponsesTool{
			Type:        "function",
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}

	return out, nil
}

func convertMessage(msg openai.ChatCompletionMessage) ([]openai.ResponsesItem, error) {
	var items []openai.ResponsesItem

	switch msg.Role {
	case "tool":
		items = append(items, openai.ResponsesItem{
			Type:   "function_call_output",
			CallID: msg.ToolCallID,
			Output: msg.Content.Flatten(),
		})
		return items, nil

	case "assistant":
		if text := msg.Content.Flatten(); text != "" {
			items = append(items, openai.ResponsesItem{
				Type:    "message",
				Role:    "assistant",
				Content: openai.ResponsesMessageContent{{Type: "output_text", Text: text}},
			})
		}
		for _, call := range msg.ToolCalls {
			items = append(items, openai.ResponsesItem{
				Type:      "function_call",
				CallID:    call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			})
		}
		return items, nil

	case "system", "developer", "user":
		content, err := convertContent(msg.Content)
		if err != nil {
			return nil, err
		}
		items = append(items, openai.ResponsesItem{
			Type:    "message",
			Role:    msg.Role,
			Content: content,
		})
		return items, nil

	default:
		return nil, fmt.Errorf("unsupported message role %q", msg.Role)
	}
}

func convertContent(content openai.MessageContent) (openai.ResponsesMessageContent, error) {
	if content.IsText {
		return openai.ResponsesMessageContent{{Type: "input_text", Text: content.Text}}, nil
	}
	var out openai.ResponsesMessageContent
	for _, part := range content.Parts {
		switch part.Type {
		case "text":
			out = append(out, openai.ResponsesContentPart{Type: "input_text", Text: part.Text})
		case "image_url":
			if part.ImageURL == nil {
				return nil, fmt.Errorf("image_url part missing url")
			}
			out = append(out, openai.ResponsesContentPart{Type: "input_image", ImageURL: part.ImageURL.URL})
		default:
			return nil, fmt.Errorf("unsupported content part type %q", part.Type)
		}
	}
	return out, nil
}

// ToChatResponse folds a completed Responses result into a non-streaming
// chat completion.
func ToChatResponse(resp *openai.ResponsesResponse) *openai.ChatCompletionResponse {
	msg := openai.ChatCompletionMessage{Role: "assistant"}
	text := ""
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, part := range item.Content {
				if part.Type == "output_text" {
					text += part.Text
				}
			}
		case "function_call":
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   item.CallID,
				Type: "function",
				Function: openai.FunctionCall{
					Name:      item.Name,
					Arguments: item.Arguments,
				},
			})
		}
	}
	msg.Content = openai.Text(text)

	finish := "stop"
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	if resp.Status == "incomplete" {
		finish = "length"
	}

	out := &openai.ChatCompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.CreatedAt,
		Model:   resp.Model,
		Choices: []openai.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: finish,
		}},
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}
	if resp.Usage != nil {
		out.Usage = openai.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out
}
