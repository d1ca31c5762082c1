// Package api provides the HTTP boundary for CoachPipe.
//
// It exposes the short-link resolution endpoint, the inbound reply
// webhook, survey navigation, and dialog message inspection. Survey
// rendering and admin tooling live elsewhere and call into these
// endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/dialog"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/survey"
)

// DefaultAddr is the default API listen address.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address (overrides the default ":8080").
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the engine components behind HTTP handlers.
type Server struct {
	store        store.Store
	stateMachine *dialog.StateMachine
	navigator    *survey.Navigator
	httpServer   *http.Server
}

// NewServer creates an API server around the engine components.
func NewServer(st store.Store, sm *dialog.StateMachine, nav *survey.Navigator, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{store: st, stateMachine: sm, navigator: nav}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /link/{token}", s.linkHandler)
	mux.HandleFunc("POST /reply", s.replyHandler)
	mux.HandleFunc("GET /messages", s.messagesHandler)
	mux.HandleFunc("POST /messages/{id}/resolve", s.resolveHandler)
	mux.HandleFunc("POST /messages/{id}/viewed", s.viewedHandler)
	mux.HandleFunc("POST /survey/next", s.surveyNextHandler)
	mux.HandleFunc("POST /survey/complete", s.surveyCompleteHandler)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table, used by tests with httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	slog.Info("CoachPipe API listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
