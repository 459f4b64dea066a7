// Package server exposes the conversation service over HTTP and a
// full-duplex WebSocket. Routes use the Go 1.22 method-pattern mux; every
// handler runs behind the observability middleware, and the conversation
// routes additionally behind API-key auth.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/loquax/internal/conversation"
	"github.com/MrWong99/loquax/internal/health"
	"github.com/MrWong99/loquax/internal/observe"
)

// Server builds the HTTP handler tree over a conversation service.
type Server struct {
	svc     *conversation.Service
	health  *health.Handler
	metrics *observe.Metrics
	apiKeys map[string]struct{}

	// maxBodyBytes caps request bodies, including multipart audio uploads.
	maxBodyBytes int64
}

// DefaultMaxBodyBytes caps request bodies at 16 MiB, enough for roughly
// eight minutes of 16 kHz mono WAV.
const DefaultMaxBodyBytes = 16 << 20

// Option configures a Server.
type Option func(*Server)

// WithAPIKeys enables auth on the conversation routes. An empty list leaves
// them open.
func WithAPIKeys(keys []string) Option {
	return func(s *Server) {
		for _, k := range keys {
			if k != "" {
				s.apiKeys[k] = struct{}{}
			}
		}
	}
}

// WithHealth attaches the health handler's routes.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMaxBodyBytes overrides the request body cap.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBodyBytes = n }
}

// New creates a Server over the conversation service.
func New(svc *conversation.Service, opts ...Option) *Server {
	s := &Server{
		svc:          svc,
		apiKeys:      make(map[string]struct{}),
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the complete route tree wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /conversation/message", s.auth(http.HandlerFunc(s.handleMessage)))
	mux.Handle("POST /conversation/message-stream", s.auth(http.HandlerFunc(s.handleMessageStream)))
	mux.Handle("POST /conversation/message-audio", s.auth(http.HandlerFunc(s.handleMessageAudio)))
	mux.Handle("POST /conversation/message-audio-stream", s.auth(http.HandlerFunc(s.handleMessageAudioStream)))
	mux.Handle("GET /conversation/history/{session_id}", s.auth(http.HandlerFunc(s.handleHistory)))
	mux.Handle("DELETE /conversation/clear/{session_id}", s.auth(http.HandlerFunc(s.handleClear)))
	mux.Handle("GET /conversation/ws", s.auth(http.HandlerFunc(s.handleWS)))

	mux.Handle("GET /metrics", promhttp.Handler())
	if s.health != nil {
		s.health.Register(mux)
	}

	return observe.Middleware(s.metrics)(mux)
}
