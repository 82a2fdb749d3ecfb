// Package server wires the pushlite components together behind one chi
// router: the websocket transport, the authenticated control-plane API, and
// the webhook dispatcher.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markb/pushlite/internal/api"
	"github.com/markb/pushlite/internal/auth"
	"github.com/markb/pushlite/internal/config"
	"github.com/markb/pushlite/internal/directory"
	"github.com/markb/pushlite/internal/log"
	"github.com/markb/pushlite/internal/store"
	"github.com/markb/pushlite/internal/transport"
	"github.com/markb/pushlite/internal/webhook"
)

type Server struct {
	router     *chi.Mux
	store      store.Store
	dir        *directory.Directory
	registry   *auth.Registry
	gate       *auth.Gate
	hub        *transport.Hub
	dispatcher *webhook.Dispatcher
	apiHandler *api.Handler

	httpServer *http.Server
	cancelHook context.CancelFunc
}

// New builds a server from configuration.
func New(cfg *config.Config) (*Server, error) {
	st, err := store.New(store.Config{
		Backend: cfg.Store.Backend,
		Path:    cfg.Store.Path,
		Timeout: cfg.Store.Timeout(),
	})
	if err != nil {
		return nil, err
	}

	registry := auth.NewRegistry(cfg.Apps)
	gate := auth.NewGate(registry)
	dir := directory.New(st)
	dispatcher := webhook.NewDispatcher(cfg.Webhooks)
	hub := transport.NewHub(registry, dir, dispatcher)

	s := &Server{
		router:     chi.NewRouter(),
		store:      st,
		dir:        dir,
		registry:   registry,
		gate:       gate,
		hub:        hub,
		dispatcher: dispatcher,
		apiHandler: api.NewHandler(gate, dir, hub, dispatcher),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.router.Use(log.RequestLogger)
	s.router.Use(middleware.Recoverer)

	// Client websocket endpoint; the JSON content type applies to the
	// HTTP surface only, so it is set inside the API group.
	s.router.Get("/app/{appKey}", s.hub.HandleWebSocket)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Get("/health", s.handleHealth)
		r.Get("/index", s.handleIndex)
		s.apiHandler.RegisterRoutes(r)
	})
}

// Router returns the configured router, used directly by handler tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Hub returns the socket hub.
func (s *Server) Hub() *transport.Hub {
	return s.hub
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"message": "Hello pushlite!"})
}

// ListenAndServe starts the webhook consumers and serves HTTP on addr until
// Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	hookCtx, cancel := context.WithCancel(context.Background())
	s.cancelHook = cancel
	go s.dispatcher.Run(hookCtx)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server, webhook consumers, and store.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelHook != nil {
		s.cancelHook()
	}
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}
