// Package anthropic translates between the Anthropic Messages protocol
// and the OpenAI chat-completions protocol the upstream speaks.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/relayforge/copilot-relay/internal/api/anthropic"
	"github.com/relayforge/copilot-relay/internal/api/openai"
)

// ToChatRequest converts a Messages request into a chat-completions
// request. Image blocks survive as image_url parts; tool_result blocks
// become tool-role messages placed before the rest of their turn.
func ToChatRequest(req *anthropic.MessagesRequest) (*openai.ChatCompletionRequest, error) {
	out := &openai.ChatCompletionRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Stop:        req.StopSequences,
	}

	if sys := flattenSystem(req.System); sys != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    "system",
			Content: openai.Text(sys),
		})
	}

	for _, msg := range req.Messages {
		converted, err := convertMessage(msg)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, converted...)
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: "function",
			Function: openai.FunctionTool{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case "auto":
			out.ToolChoice = "auto"
		case "any":
			out.ToolChoice = "required"
		case "tool":
			out.ToolChoice = map[string]any{
				"type":     "function",
				"function": map[string]any{"name": req.ToolChoice.Name},
			}
		}
	}

	return out, nil
}

func flattenSystem(system anthropic.SystemMessages) string {
	var parts []string
	for _, block := range system {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// convertMessage maps one Anthropic turn onto one or more OpenAI
// messages. Tool results are emitted first so they follow the assistant
// turn that issued the calls.
func convertMessage(msg anthropic.Message) ([]openai.ChatCompletionMessage, error) {
	var out []openai.ChatCompletionMessage
	var contentParts []openai.ContentPart
	var toolCalls []openai.ToolCall

	for _, part := range msg.Content {
		switch part.Type {
		case "text":
			contentParts = append(contentParts, openai.ContentPart{Type: "text", Text: part.Text})

		case "image":
			url, err := imageURL(part.Source)
			if err != nil {
				return nil, err
			}
			contentParts = append(contentParts, openai.ContentPart{
				Type:     "image_url",
				ImageURL: &openai.ImageURL{URL: url},
			})

		case "tool_use":
			args, err := json.Marshal(part.Input)
			if err != nil {
				return nil, fmt.Errorf("marshal tool input for %s: %w", part.Name, err)
			}
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   part.ID,
				Type: "function",
				Function: openai.FunctionCall{
					Name:      part.Name,
					Arguments: string(args),
				},
			})

		case "tool_result":
			out = append(out, openai.ChatCompletionMessage{
				Role:       "tool",
				ToolCallID: part.ToolUseID,
				Content:    openai.Text(part.Content.Flatten()),
			})

		default:
			return nil, fmt.Errorf("unsupported content block type %q", part.Type)
		}
	}

	if len(contentParts) > 0 || len(toolCalls) > 0 {
		m := openai.ChatCompletionMessage{Role: msg.Role, ToolCalls: toolCalls}
		if onlyText(contentParts) {
			text := ""
			for _, p := range contentParts {
				text += p.Text
			}
			m.Content = openai.Text(text)
		} else {
			m.Content = openai.MessageContent{Parts: contentParts}
		}
		out = append(out, m)
	}
	return out, nil
}

func onlyText(parts []openai.ContentPart) bool {
	for _, p := range parts {
		if p.Type != "text" {
			return false
		}
	}
	return true
}

func imageURL(src *anthropic.ImageSource) (string, error) {
	if src == nil {
		return "", fmt.Errorf("image block missing source")
	}
	switch src.Type {
	case "base64":
		return "data:" + src.MediaType + ";base64," + src.Data, nil
	case "url":
		return src.URL, nil
	default:
		return "", fmt.Errorf("unsupported image source type %q", src.Type)
	}
}

// FromChatResponse converts a non-streaming chat completion into a
// Messages response.
func FromChatResponse(resp *openai.ChatCompletionResponse) *anthropic.MessagesResponse {
	out := &anthropic.MessagesResponse{
		ID:         messageID(resp.ID),
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		StopReason: "end_turn",
		Usage: anthropic.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]

	if text := choice.Message.Content.Flatten(); text != "" {
		out.Content = append(out.Content, anthropic.ResponseBlock{Type: "text", Text: text})
	}
	for _, call := range choice.Message.ToolCalls {
		out.Content = append(out.Content, anthropic.ResponseBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: parseArguments(call.Function.Arguments),
		})
	}

	out.StopReason = stopReason(choice.FinishReason)
	return out
}

// parseArguments decodes a tool call's argument string; malformed
// arguments degrade to an empty object rather than failing the response.
func parseArguments(args string) any {
	if args == "" {
		return map[string]any{}
	}
	var input any
	if err := json.Unmarshal([]byte(args), &input); err != nil {
		return map[string]any{}
	}
	return input
}

func stopReason(finishReason string) string {
	switch finishReason {
	case "tool_calls":
		return "tool_use"
	case "length":
		return "max_tokens"
	case "stop", "":
		return "end_turn"
	default:
		return "end_turn"
	}
}

func messageID(id string) string {
	if id != "" {
		return id
	}
	return "msg_" + uuid.NewString()
}
