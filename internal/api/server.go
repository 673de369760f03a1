// Package api exposes the diagnosis service over HTTP: submission, progress
// polling and streaming, contact validation, and the hybrid AI chat.
package api

import (
	"context"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/sells-group/diagnosis-cli/internal/ai"
	"github.com/sells-group/diagnosis-cli/internal/diagnosis"
	"github.com/sells-group/diagnosis-cli/internal/resilience"
)

// ChatModel answers free-form prompts. *ai.Selector satisfies it.
type ChatModel interface {
	CallModel(ctx context.Context, prompt, systemPrompt string, opts ai.Options) (*ai.Result, error)
}

// Option configures a Server.
type Option func(*Server)

// WithChat enables POST /ai/chat.
func WithChat(c ChatModel) Option {
	return func(s *Server) {
		s.chat = c
	}
}

// BreakerStates reports circuit breaker state per upstream.
// *resilience.ServiceBreakers satisfies it.
type BreakerStates interface {
	States() map[string]resilience.CircuitState
}

// WithBreakers adds per-upstream breaker states to GET /health.
func WithBreakers(b BreakerStates) Option {
	return func(s *Server) {
		s.breakers = b
	}
}

// WithAllowedOrigins sets the browser origins allowed by CORS and the
// websocket handshake. "*" allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

// Server holds the handlers' dependencies.
type Server struct {
	svc      *diagnosis.Service
	chat     ChatModel
	breakers BreakerStates
	origins  []string
	upgrader websocket.Upgrader
}

// NewServer creates a Server for svc.
func NewServer(svc *diagnosis.Service, opts ...Option) *Server {
	s := &Server{
		svc:     svc,
		origins: []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router returns the HTTP handler with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Post("/diagnosis", s.handleSubmit)
	r.Route("/progress/{jobID}", func(r chi.Router) {
		r.Get("/", s.handlePoll)
		r.Delete("/", s.handleCleanup)
		r.Get("/stream", s.handleStream)
	})

	r.Route("/validate", func(r chi.Router) {
		r.Post("/phone", s.handleValidatePhone)
		r.Post("/email", s.handleValidateEmail)
	})

	r.Post("/ai/chat", s.handleChat)

	return r
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(s.origins, "*") {
		return true
	}
	return slices.Contains(s.origins, origin)
}
