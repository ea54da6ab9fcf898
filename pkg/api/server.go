// Package api serves the daemon's HTTP status surface: registry status,
// recent events, health and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tunnelworks/underlay/pkg/logx"
	"github.com/tunnelworks/underlay/pkg/registry"
	"github.com/tunnelworks/underlay/pkg/telem"
)

// Server exposes registry state over HTTP.
type Server struct {
	reg       *registry.Registry
	telemetry *telem.Store
	logger    *logx.Logger
	srv       *http.Server
}

// NewServer creates a server listening on addr.
func NewServer(addr string, reg *registry.Registry, telemetry *telem.Store, logger *logx.Logger) *Server {
	s := &Server{reg: reg, telemetry: telemetry, logger: logger}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/networks", s.handleNetworks).Methods(http.MethodGet)
	router.HandleFunc("/networks/best", s.handleBest).Methods(http.MethodGet)
	router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown. Blocks; run in a goroutine.
func (s *Server) Start() error {
	s.logger.Info("http api listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.reg.GetStatus())
}

func (s *Server) handleNetworks(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.reg.GetStatus().Networks)
}

func (s *Server) handleBest(w http.ResponseWriter, _ *http.Request) {
	best, ok := s.reg.BestNetwork()
	if !ok {
		http.Error(w, `{"error":"no candidate network"}`, http.StatusNotFound)
		return
	}
	s.writeJSON(w, best)
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	if s.telemetry == nil {
		s.writeJSON(w, []struct{}{})
		return
	}
	s.writeJSON(w, s.telemetry.RecentEvents(100))
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}
