// Package httpapi provides the operator HTTP API: trading status, ledger
// inspection, and the manual halt/resume controls. It shares the listener
// with the metrics endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"catalyst/internal/ledger"
)

// Engine is the control surface the API drives.
type Engine interface {
	Halt(reason string)
	Resume()
	Halted() (bool, string)
}

// Session reports venue session health and accepts an operator-forced
// reconnect after a dead declaration.
type Session interface {
	Alive() bool
	Dead() bool
	Reconnect(ctx context.Context) error
}

// Server serves the operator API.
type Server struct {
	engine  Engine
	session Session
	store   ledger.Store
	log     *slog.Logger
}

// NewServer creates a Server.
func NewServer(eng Engine, session Session, store ledger.Store, log *slog.Logger) *Server {
	return &Server{
		engine:  eng,
		session: session,
		store:   store,
		log:     log.With("component", "httpapi"),
	}
}

// RegisterRoutes attaches the API handlers to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/orders", s.handleOrders)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/findings", s.handleFindings)
	mux.HandleFunc("POST /api/halt", s.handleHalt)
	mux.HandleFunc("POST /api/resume", s.handleResume)
	mux.HandleFunc("POST /api/reconnect", s.handleReconnect)
}

// StatusJSON is the trading status snapshot.
type StatusJSON struct {
	SessionAlive  bool   `json:"sessionAlive"`
	SessionDead   bool   `json:"sessionDead"`
	Halted        bool   `json:"halted"`
	HaltReason    string `json:"haltReason,omitempty"`
	OpenOrders    int    `json:"openOrders"`
	OpenPositions int    `json:"openPositions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	halted, reason := s.engine.Halted()
	st := StatusJSON{
		SessionAlive: s.session.Alive(),
		SessionDead:  s.session.Dead(),
		Halted:       halted,
		HaltReason:   reason,
	}
	if orders, err := s.store.OpenOrders(r.Context()); err == nil {
		st.OpenOrders = len(orders)
	}
	if positions, err := s.store.ListPositions(r.Context()); err == nil {
		st.OpenPositions = len(positions)
	}
	s.writeJSON(w, st)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.OpenOrders(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, orders)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListPositions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, positions)
}

func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	openOnly := r.URL.Query().Get("all") == ""
	findings, err := s.store.ListDiscrepancies(r.Context(), openOnly)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, findings)
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reason == "" {
		http.Error(w, "reason required", http.StatusBadRequest)
		return
	}
	s.engine.Halt("operator: " + body.Reason)
	s.log.Warn("operator halt", "reason", body.Reason)
	s.writeJSON(w, map[string]string{"status": "halted"})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.engine.Resume()
	s.log.Info("operator resume")
	s.writeJSON(w, map[string]string{"status": "resumed"})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Reconnect(r.Context()); err != nil {
		s.log.Error("operator reconnect failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.log.Info("operator reconnect")
	s.writeJSON(w, map[string]string{"status": "reconnected"})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding response failed", "error", err)
	}
}
