package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Server wraps the HTTP server hosting the API
type Server struct {
	httpServer *http.Server
	router     *mux.Router
}

// NewServer builds a server for the given handler. Extra middleware and
// mounts (auth, metrics) are attached through the router before Start.
func NewServer(addr string, handler *Handler) *Server {
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	return &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Router exposes the underlying router for middleware and extra mounts
func (s *Server) Router() *mux.Router {
	return s.router
}

// Use installs middleware on all routes
func (s *Server) Use(mw ...mux.MiddlewareFunc) {
	s.router.Use(mw...)
}

// Mount attaches an extra handler, e.g. a metrics endpoint
func (s *Server) Mount(path string, h http.Handler) {
	s.router.Handle(path, h)
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	log.Printf("[API] Listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// StartTLS begins serving over TLS with the given certificate pair
func (s *Server) StartTLS(certFile, keyFile string) error {
	log.Printf("[API] Listening on %s (TLS)", s.httpServer.Addr)
	return s.httpServer.ListenAndServeTLS(certFile, keyFile)
}

// Shutdown drains in-flight requests and stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
