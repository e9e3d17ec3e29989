// Package server hosts the relay's HTTP surface: the websocket endpoint and
// a JSON health endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/V-prajit/Terminator/broker"
	"github.com/V-prajit/Terminator/websocket"
)

// Server wraps the HTTP server that accepts websocket upgrades.
type Server struct {
	httpServer *http.Server
	stats      func() map[string]any
	logger     *slog.Logger
}

// NewServer routes /ws to ws and /healthz to a JSON dump of stats.
func NewServer(addr string, ws http.HandlerFunc, stats func() map[string]any, readTimeout, writeTimeout time.Duration, logger *slog.Logger) *Server {
	s := &Server{stats: stats, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ws)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body := map[string]any{"status": "ok", "time": time.Now().UTC()}
	if s.stats != nil {
		body["stats"] = s.stats()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to write health response", "error", err)
	}
}

// Start blocks serving HTTP until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("relay listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes the live ones and releases
// the broker. messageBroker may be nil.
func (s *Server) Shutdown(ctx context.Context, dispatcher *websocket.Dispatcher, messageBroker broker.MessageBroker) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.logger.Error("http server shutdown failed", "error", err)
	}
	if dispatcher != nil {
		dispatcher.Shutdown("server shutting down")
	}
	if messageBroker != nil {
		if cerr := messageBroker.Close(); cerr != nil {
			s.logger.Error("failed to close message broker", "type", messageBroker.Type(), "error", cerr)
			err = errors.Join(err, cerr)
		}
	}
	s.logger.Info("server shutdown complete")
	return err
}
