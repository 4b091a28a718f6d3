// Package api serves the management HTTP interface: connection listing,
// deletion, sequence expectations, health and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/irctrakz/wgconntrack/pkg/conntrack"
	"github.com/irctrakz/wgconntrack/pkg/logging"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Option configures a Server.
type Option func(*Server)

// WithGatherer serves g on /metrics. Without it the default registry is
// used.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithStatus adds fn's result to the /health response under name.
func WithStatus(name string, fn func() interface{}) Option {
	return func(s *Server) { s.status[name] = fn }
}

// Server is the management HTTP server.
type Server struct {
	table    *conntrack.Table
	gatherer prometheus.Gatherer
	status   map[string]func() interface{}
	router   *mux.Router
	started  time.Time

	mu  sync.Mutex
	srv *http.Server

	expMu   sync.Mutex
	expects map[uuid.UUID]*conntrack.Expectation

	log *logrus.Entry
}

// NewServer creates a server for table.
func NewServer(table *conntrack.Table, opts ...Option) *Server {
	s := &Server{
		table:    table,
		gatherer: prometheus.DefaultGatherer,
		status:   map[string]func() interface{}{},
		router:   mux.NewRouter(),
		started:  time.Now(),
		expects:  map[uuid.UUID]*conntrack.Expectation{},
		log:      logging.Component("api"),
	}
	for _, o := range opts {
		o(s)
	}
	s.RegisterRoutes(s.router)
	return s
}

// RegisterRoutes registers the API routes on router.
func (s *Server) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	router.HandleFunc("/conntrack", s.handleList).Methods("GET")
	router.HandleFunc("/conntrack", s.handleFlush).Methods("DELETE")
	router.HandleFunc("/conntrack/{id}", s.handleGet).Methods("GET")
	router.HandleFunc("/conntrack/{id}", s.handleKill).Methods("DELETE")
	router.HandleFunc("/conntrack/{id}/expect", s.handleExpect).Methods("POST")
	router.HandleFunc("/conntrack/{id}/expect/{xid}", s.handleExpectation).Methods("GET")
	router.HandleFunc("/conntrack/{id}/expect/{xid}", s.handleUnexpect).Methods("DELETE")

	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on addr and serves in the background. It returns once the
// listener is bound.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "api: listen %s", addr)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.log.WithField("addr", ln.Addr().String()).Info("management API listening")
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("management API stopped")
		}
	}()
	return nil
}

// Shutdown stops a started server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":      "ok",
		"connections": s.table.Len(),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
	}
	for name, fn := range s.status {
		resp[name] = fn()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleList writes the table as a listing, one connection per line, or
// as JSON with ?format=json.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entries := s.table.Snapshot()
	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"count":   len(entries),
			"entries": entries,
		})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for _, e := range entries {
		fmt.Fprintln(w, e.String())
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	info, found := s.table.Get(id)
	if !found {
		writeError(w, http.StatusNotFound, "Connection not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := s.table.Kill(id); err != nil {
		if errors.Is(err, conntrack.ErrNoEntry) {
			writeError(w, http.StatusNotFound, "Connection not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete connection", err)
		return
	}
	s.log.WithField("id", id).Info("connection deleted")
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "deleted",
		"id":     id.String(),
	})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	n := s.table.Flush()
	s.log.WithField("count", n).Info("connection table flushed")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "flushed",
		"count":  n,
	})
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid connection id", err)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]interface{}{
		"error":  message,
		"status": status,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	writeJSON(w, status, response)
}
