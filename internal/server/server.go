// Package server assembles the HTTP surface: routing, authentication,
// request logging and the streaming helpers shared by the frontdoors.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/relayforge/copilot-relay/internal/relay"
)

// Frontdoors carries the handlers mounted on the router.
type Frontdoors struct {
	OpenAI interface {
		ChatCompletions(http.ResponseWriter, *http.Request)
		Models(http.ResponseWriter, *http.Request)
		Embeddings(http.ResponseWriter, *http.Request)
	}
	Anthropic interface {
		Messages(http.ResponseWriter, *http.Request)
		CountTokens(http.ResponseWriter, *http.Request)
	}
	Admin interface {
		Routes() chi.Router
	}
}

// Server is the relay's HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds the router and server. Inference routes are served both
// bare and under /v1 so OpenAI SDKs with either base URL convention
// work unchanged.
func New(port int, rl *relay.Relay, fd Frontdoors, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	authed := r.With(Auth(rl))
	for _, prefix := range []string{"", "/v1"} {
		authed.Post(prefix+"/chat/completions", fd.OpenAI.ChatCompletions)
		authed.Get(prefix+"/models", fd.OpenAI.Models)
		authed.Post(prefix+"/embeddings", fd.OpenAI.Embeddings)
	}
	authed.Post("/v1/messages", fd.Anthropic.Messages)
	authed.Post("/v1/messages/count_tokens", fd.Anthropic.CountTokens)

	r.Mount("/admin", fd.Admin.Routes())

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           otelhttp.NewHandler(r, "copilot-relay"),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the assembled router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving requests until Shutdown or failure.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
