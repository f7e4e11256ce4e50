// Package api provides the HTTP server for SearchIngest.
//
// Remote nodes deliver change notifications to POST /notifications; each one
// becomes a pending update. GET /status and GET /health report on the
// pending queue and the in-memory jobs.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BTreeMap/SearchIngest/internal/store"
	"github.com/BTreeMap/SearchIngest/internal/updates"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Queue is the part of the update queue the server feeds.
type Queue interface {
	OfferWith(ctx context.Context, u updates.Update, extra func(tx store.Tx) error) (string, error)
	Len() int
}

// JobStats reports per-kind counts of the jobs held in memory.
type JobStats interface {
	Counts() map[string]int
}

// Server serves notification intake and status endpoints.
type Server struct {
	addr     string
	registry *updates.Registry
	queue    Queue
	jobs     JobStats
	started  time.Time

	srv *http.Server
	ln  net.Listener
}

// NewServer creates a server. It does not listen until Start is called.
func NewServer(addr string, registry *updates.Registry, queue Queue, jobs JobStats) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		addr:     addr,
		registry: registry,
		queue:    queue,
		jobs:     jobs,
		started:  time.Now(),
	}
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/notifications", s.notificationsHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server.Start: serve failed", "error", err)
		}
	}()
	slog.Info("Server.Start: API listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	slog.Info("Server.Shutdown: stopping API server")
	return s.srv.Shutdown(ctx)
}
