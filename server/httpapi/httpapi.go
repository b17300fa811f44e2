// Package httpapi serves the operational endpoints: Prometheus metrics,
// liveness and a security status snapshot. It is bound to an internal
// address and carries no authentication of its own.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/kumo/logger"
	"github.com/migadu/kumo/server/pop3"
)

// StatusProvider is the slice of the POP3 server the API reports on.
type StatusProvider interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
	SecurityStats() pop3.SecurityStats
}

type Server struct {
	httpServer *http.Server
	pop3       StatusProvider
}

func New(addr string, pop3Server StatusProvider) *Server {
	s := &Server{pop3: pop3Server}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start runs the HTTP listener; a fatal error is delivered on errChan.
func (s *Server) Start(errChan chan<- error) {
	logger.Info("HTTP API listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- err
	}
}

func (s *Server) Close(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Warn("HTTP API shutdown failed", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

type statusResponse struct {
	Connections struct {
		Total         int64 `json:"total"`
		Authenticated int64 `json:"authenticated"`
	} `json:"connections"`
	Security pop3.SecurityStats `json:"security"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var resp statusResponse
	resp.Connections.Total = s.pop3.GetTotalConnections()
	resp.Connections.Authenticated = s.pop3.GetAuthenticatedConnections()
	resp.Security = s.pop3.SecurityStats()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Warn("failed to encode status response", "error", err)
	}
}
