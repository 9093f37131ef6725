// Package server provides the HTTP status API for the hostwatch agent.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostwatch/internal/detection"
	"github.com/invisible-tech/hostwatch/internal/store"
	"github.com/invisible-tech/hostwatch/internal/triage"
	"github.com/invisible-tech/hostwatch/internal/version"
	"github.com/invisible-tech/hostwatch/pkg/agent"
)

const defaultMatchLimit = 100

// AgentStatus is the view of the running agent exposed over HTTP.
type AgentStatus interface {
	State() agent.State
	Channels() []string
	Marks() map[string]uint64
	Interval() time.Duration
}

// Server is the HTTP server for the status API.
type Server struct {
	addr       string
	status     AgentStatus
	matches    *store.MatchStore
	engine     *detection.Engine
	triage     *triage.Collector
	log        *logrus.Logger
	httpServer *http.Server
}

// New creates a status server on addr.
func New(addr string, status AgentStatus, matches *store.MatchStore, engine *detection.Engine, log *logrus.Logger) *Server {
	s := &Server{
		addr:    addr,
		status:  status,
		matches: matches,
		engine:  engine,
		triage:  triage.New(),
		log:     log,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/agent", s.handleAgent).Methods(http.MethodGet)
	api.HandleFunc("/matches", s.handleMatches).Methods(http.MethodGet)
	api.HandleFunc("/rules", s.handleRules).Methods(http.MethodGet)
	api.HandleFunc("/host", s.handleHost).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server. It blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.addr).Info("Status API listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{
		"status":  "healthy",
		"version": version.Version,
	}
	if s.status != nil {
		body["agent_state"] = s.status.State().String()
	}
	writeJSON(w, body)
}

type agentResponse struct {
	State    string            `json:"state"`
	Channels []string          `json:"channels"`
	Marks    map[string]uint64 `json:"marks"`
	Interval float64           `json:"interval_seconds"`
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		http.Error(w, "Agent not running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, agentResponse{
		State:    s.status.State().String(),
		Channels: s.status.Channels(),
		Marks:    s.status.Marks(),
		Interval: s.status.Interval().Seconds(),
	})
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	limit := defaultMatchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, s.matches.Recent(limit))
}

type ruleResponse struct {
	Name  string `json:"name"`
	ID    string `json:"id,omitempty"`
	Level string `json:"level,omitempty"`
	Path  string `json:"path"`
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules := s.engine.Rules()
	out := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		out = append(out, ruleResponse{Name: rule.Name(), ID: rule.ID, Level: rule.Level, Path: rule.Path})
	}
	writeJSON(w, out)
}

func (s *Server) handleHost(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.triage.Summarize(r.Context()))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
