// Package openai serves the OpenAI-compatible downstream surface:
// chat completions, model listing and embeddings. Chat-completions
// traffic passes through to the upstream mostly untouched; models served
// only by the Responses endpoint are bridged transparently.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	apiopenai "github.com/relayforge/copilot-relay/internal/api/openai"
	codecresponses "github.com/relayforge/copilot-relay/internal/codec/responses"
	"github.com/relayforge/copilot-relay/internal/instance"
	"github.com/relayforge/copilot-relay/internal/relay"
	"github.com/relayforge/copilot-relay/internal/server"
	"github.com/relayforge/copilot-relay/internal/upstream"
)

// Handler serves the OpenAI-style endpoints.
type Handler struct {
	relay  *relay.Relay
	client *upstream.Client
}

// New creates the handler.
func New(rl *relay.Relay, client *upstream.Client) *Handler {
	return &Handler{relay: rl, client: client}
}

// ChatCompletions handles POST /chat/completions.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req apiopenai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.WriteError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		server.WriteError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	server.AddLogField(r.Context(), "model", req.Model)

	opts := upstream.CallOptions{
		Vision:    hasImageContent(req.Messages),
		Initiator: initiator(req.Messages),
	}

	// bridged tracks whether the attempt that produced the returned
	// response went through the Responses endpoint; attempts run
	// sequentially so the last write wins correctly.
	bridged := false
	attempt := func(ctx context.Context, sess *instance.Session) (*http.Response, error) {
		upReq := req
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
		forwardError(w, resp)
		return
	}

	switch {
	case bridged && req.Stream:
		h.streamBridged(w, r, resp, req.Model)
	case bridged:
		h.respondBridged(w, r, resp)
	case req.Stream:
		streamPassthrough(w, r, resp)
	default:
		copyResponse(w, resp)
	}
}

func (h *Handler) respondBridged(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	var result apiopenai.ResponsesResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusBadGateway, "api_error", "malformed upstream response")
		return
	}
	server.WriteJSON(w, http.StatusOK, codecresponses.ToChatResponse(&result))
}

func (h *Handler) streamBridged(w http.ResponseWriter, r *http.Request, resp *http.Response, model string) {
	sse, err := server.NewSSEWriter(w)
	if err != nil {
		server.WriteError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}

	state := codecresponses.NewStreamState(model)
	scanner := upstream.NewSSEScanner(resp.Body)
	for scanner.Next() {
		var event apiopenai.ResponsesStreamEvent
		if err := json.Unmarshal(scanner.Data(), &event); err != nil {
			continue
		}
		for _, chunk := range state.Next(&event) {
			if err := sse.Send("", chunk); err != nil {
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		server.AddError(r.Context(), err)
	}
	_ = sse.SendDone()
}

// Models handles GET /models from the session's cached catalog; no
// upstream round trip per request.
func (h *Handler) Models(w http.ResponseWriter, r *http.Request) {
	catalog, err := h.relay.Catalog(server.PrincipalFrom(r.Context()))
	if err != nil {
		writeDispatchError(w, r, err)
		return
	}

	list := apiopenai.ModelList{Object: "list", Data: []apiopenai.Model{}}
	for _, m := range catalog.Data {
		list.Data = append(list.Data, apiopenai.Model{
			ID:      m.ID,
			Object:  "model",
			Created: time.Now().Unix(),
			OwnedBy: m.Vendor,
		})
	}
	server.WriteJSON(w, http.StatusOK, list)
}

// Embeddings handles POST /embeddings. The raw body is forwarded
// untouched; it is decoded only to validate the JSON and log the model.
func (h *Handler) Embeddings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		server.WriteError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	var req apiopenai.EmbeddingsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		server.WriteError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}
	server.AddLogField(r.Context(), "model", req.Model)

	attempt := func(ctx context.Context, sess *instance.Session) (*http.Response, error) {
		return h.client.Embeddings(ctx, sess.Token, body)
	}

	resp, _, err := h.relay.Dispatch(r.Context(), server.PrincipalFrom(r.Context()), attempt)
	if err != nil {
		writeDispatchError(w, r, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		forwardError(w, resp)
		return
	}
	copyResponse(w, resp)
}

// streamPassthrough relays upstream SSE payloads without re-encoding.
func streamPassthrough(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	sse, err := server.NewSSEWriter(w)
	if err != nil {
		server.WriteError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	scanner := upstream.NewSSEScanner(resp.Body)
	for scanner.Next() {
		if err := sse.SendRaw(scanner.Data()); err != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		server.AddError(r.Context(), err)
	}
	_ = sse.SendDone()
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// forwardError relays an upstream error status and body verbatim.
func forwardError(w http.ResponseWriter, resp *http.Response) {
	copyResponse(w, resp)
}

func writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)
	switch {
	case errors.Is(err, relay.ErrInstanceNotRunning):
		server.WriteError(w, http.StatusServiceUnavailable, "api_error", "instance not running")
	case errors.Is(err, relay.ErrNoAccounts):
		server.WriteError(w, http.StatusServiceUnavailable, "api_error", "no accounts available")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
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

// initiator reports who drives the request: "agent" once the
// conversation contains assistant or tool turns, "user" otherwise.
func initiator(messages []apiopenai.ChatCompletionMessage) string {
	for _, msg := range messages {
		if msg.Role == "assistant" || msg.Role == "tool" {
			return "agent"
		}
	}
	return "user"
}
