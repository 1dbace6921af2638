// Package anthropic serves the Anthropic-compatible downstream surface:
// /v1/messages with bidirectional protocol translation, and a local
// count_tokens estimator.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apianthropic "github.com/relayforge/copilot-relay/internal/api/anthropic"
	apiopenai "github.com/relayforge/copilot-relay/internal/api/openai"
	codecanthropic "github.com/relayforge/copilot-relay/internal/codec/anthropic"
	codecresponses "github.com/relayforge/copilot-relay/internal/codec/responses"
	"github.com/relayforge/copilot-relay/internal/instance"
	"github.com/relayforge/copilot-relay/internal/relay"
	"github.com/relayforge/copilot-relay/internal/server"
	"github.com/relayforge/copilot-relay/internal/tokens"
	"github.com/relayforge/copilot-relay/internal/upstream"
)

// Handler serves the Anthropic-style endpoints.
type Handler struct {
	relay  *relay.Relay
	client *upstream.Client
}

// New creates the handler.
func New(rl *relay.Relay, client *upstream.Client) *Handler {
	return &Handler{relay: rl, client: client}
}

// Messages handles POST /v1/messages. The request is rewritten into the
// chat-completions protocol, dispatched, and the reply translated back,
// event by event when streaming.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	var req apianthropic.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.WriteError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		server.WriteError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	server.AddLogField(r.Context(), "model", req.Model)

	chatReq, err := codecanthropic.ToChatRequest(&req)
	if err != nil {
		server.WriteError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	opts := upstream.CallOptions{
		Vision:    hasImageContent(chatReq.Messages),
		Initiator: initiator(chatReq.Messages),
	}

	bridged := false
	attempt := func(ctx context.Context, sess *instance.Session) (*http.Response, error) {
		upReq := *chatReq
		catModel := sess.Catalog.Find(req.Model)
		if upReq.MaxTokens == 0 && catModel != nil {
			upReq.MaxTokens = catModel.Capabilities.Limits.MaxOutputTokens
		}

		if catModel != nil && catModel.ResponsesOnly() {
			bridged = true
			respReq, err := codecresponses.FromChatRequest(&upReq)
			if err != nil {
				return nil, err
			}
			body, err := json.Marshal(respReq)
			if err != nil {
				return nil, err
			}
			return h.client.Responses(ctx, sess.Token, body, opts)
		}

		bridged = false
		body, err := json.Marshal(upReq)
		if err != nil {
			return nil, err
		}
		return h.client.ChatCompletions(ctx, sess.Token, body, opts)
	}

	resp, _, err := h.relay.Dispatch(r.Context(), server.PrincipalFrom(r.Context()), attempt)
	if err != nil {
		writeDispatchError(w, r, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
		return
	}

	if req.Stream {
		h.streamMessages(w, r, resp, req.Model, bridged)
		return
	}
	h.respondMessages(w, r, resp, bridged)
}

func (h *Handler) respondMessages(w http.ResponseWriter, r *http.Request, resp *http.Response, bridged bool) {
	var chatResp *apiopenai.ChatCompletionResponse
	if bridged {
		var result apiopenai.ResponsesResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			server.AddError(r.Context(), err)
			server.WriteError(w, http.StatusBadGateway, "api_error", "malformed upstream response")
			return
		}
		chatResp = codecresponses.ToChatResponse(&result)
	} else {
		chatResp = &apiopenai.ChatCompletionResponse{}
		if err := json.NewDecoder(resp.Body).Decode(chatResp); err != nil {
			server.AddError(r.Context(), err)
			server.WriteError(w, http.StatusBadGateway, "api_error", "malformed upstream response")
			return
		}
	}
	server.WriteJSON(w, http.StatusOK, codecanthropic.FromChatResponse(chatResp))
}

// streamMessages translates the upstream stream into the Anthropic event
// grammar. Bridged streams are first folded into chat chunks, then run
// through the same translation, so both upstream shapes share one path.
func (h *Handler) streamMessages(w http.ResponseWriter, r *http.Request, resp *http.Response, model string, bridged bool) {
	sse, err := server.NewSSEWriter(w)
	if err != nil {
		server.WriteError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}

	state := codecanthropic.NewStreamState(model)
	emit := func(chunk *apiopenai.ChatCompletionChunk) bool {
		for _, event := range state.Next(chunk) {
			if err := sse.Send(event.Type, event.Payload); err != nil {
				return false
			}
		}
		return true
	}

	scanner := upstream.NewSSEScanner(resp.Body)
	var bridge *codecresponses.StreamState
	if bridged {
		bridge = codecresponses.NewStreamState(model)
	}

	for scanner.Next() {
		if bridged {
			var event apiopenai.ResponsesStreamEvent
			if err := json.Unmarshal(scanner.Data(), &event); err != nil {
				continue
			}
			for _, chunk := range bridge.Next(&event) {
				if !emit(chunk) {
					return
				}
			}
			continue
		}

		var chunk apiopenai.ChatCompletionChunk
		if err := json.Unmarshal(scanner.Data(), &chunk); err != nil {
			continue
		}
		if !emit(&chunk) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		server.AddError(r.Context(), err)
	}

	for _, event := range state.Finish() {
		if err := sse.Send(event.Type, event.Payload); err != nil {
			return
		}
	}
}

// CountTokens handles POST /v1/messages/count_tokens with a local
// estimate; the upstream has no counting endpoint. Counting never fails
// the caller: an unreadable body gets the same sentinel count as an
// unrecognized model family.
func (h *Handler) CountTokens(w http.ResponseWriter, r *http.Request) {
	var req apianthropic.CountTokensRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.AddError(r.Context(), err)
		server.WriteJSON(w, http.StatusOK, apianthropic.CountTokensResponse{InputTokens: 1})
		return
	}
	server.AddLogField(r.Context(), "model", req.Model)
	server.AddLogField(r.Context(), "estimated", tokens.Supported(req.Model))
	server.WriteJSON(w, http.StatusOK, apianthropic.CountTokensResponse{
		InputTokens: tokens.EstimateMessages(&req),
	})
}

func writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)
	switch {
	case errors.Is(err, relay.ErrInstanceNotRunning):
		server.WriteError(w, http.StatusServiceUnavailable, "api_error", "instance not running")
	case errors.Is(err, relay.ErrNoAccounts):
		server.WriteError(w, http.StatusServiceUnavailable, "api_error", "no accounts available")
	case errors.Is(err, context.Canceled):
	default:
		server.WriteError(w, http.StatusInternalServerError, "api_error", "upstream request failed")
	}
}

func hasImageContent(messages []apiopenai.ChatCompletionMessage) bool {
	for _, msg := range messages {
		if msg.Content.HasImage() {
			return true
		}
	}
	return false
}

func initiator(messages []apiopenai.ChatCompletionMessage) string {
	for _, msg := range messages {
		if msg.Role == "assistant" || msg.Role == "tool" {
			return "agent"
		}
	}
	return "user"
}
