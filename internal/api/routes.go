// Package api provides HTTP handlers and routing for the tideflow service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Graph validation
	api.HandleFunc("/graphs/validate", s.handlers.ValidateGraph).Methods("POST")

	// Feature management
	api.HandleFunc("/features", s.handlers.CreateFeature).Methods("POST")
	api.HandleFunc("/features", s.handlers.ListFeatures).Methods("GET")
	api.HandleFunc("/features/{id}", s.handlers.GetFeature).Methods("GET")
	api.HandleFunc("/features/{id}", s.handlers.UpdateFeature).Methods("PUT")
	api.HandleFunc("/features/{id}", s.handlers.DeleteFeature).Methods("DELETE")

	// Task management
	api.HandleFunc("/tasks", s.handlers.CreateTask).Methods("POST")
	api.HandleFunc("/tasks", s.handlers.ListTasks).Methods("GET")
	api.HandleFunc("/tasks/{id}", s.handlers.GetTask).Methods("GET")
	api.HandleFunc("/tasks/{id}/steps", s.handlers.GetTaskSteps).Methods("GET")
	api.HandleFunc("/tasks/{id}/output", s.handlers.GetTaskOutput).Methods("GET")
	api.HandleFunc("/tasks/{id}/events", s.handlers.StreamEvents).Methods("GET")
	api.HandleFunc("/tasks/{id}/transaction", s.handlers.GetTaskTransaction).Methods("GET")

	// Quota management
	api.HandleFunc("/quota/{account}", s.handlers.GetQuota).Methods("GET")
	api.HandleFunc("/quota/{account}/credit", s.handlers.CreditQuota).Methods("POST")

	// Provider registry
	api.HandleFunc("/providers", s.handlers.ListProviders).Methods("GET")

	// Task store diagnostics
	api.HandleFunc("/taskstore/info", s.handlers.TaskStoreInfo).Methods("GET")
	api.HandleFunc("/taskstore/selfcheck", s.handlers.TaskStoreSelfCheck).Methods("GET")

	// Apply middleware
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
}
