// Package api exposes the local node over HTTP for scripts and the CLI.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/Operative-001/meshdtn/internal/metrics"
	"github.com/Operative-001/meshdtn/internal/node"
	"github.com/Operative-001/meshdtn/internal/protocol"
	"github.com/Operative-001/meshdtn/internal/store"
)

// Engine is the subset of *node.Node the API drives.
type Engine interface {
	Status() (node.Status, error)
	Send(destID, content string) (protocol.Bundle, error)
	Alarm(text string) error
	QueueSnapshot() ([]protocol.Bundle, error)
}

// History persists chat messages per peer.
type History interface {
	AppendHistory(msg store.ChatMessage) error
	History(peerID string) ([]store.ChatMessage, error)
}

// Server serves the local HTTP API.
type Server struct {
	engine  Engine
	history History
	log     *logrus.Entry
}

// New returns a Server. history may be nil, in which case history
// endpoints report 404 and sends are not recorded.
func New(engine Engine, history History, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		engine:  engine,
		history: history,
		log:     logger.WithField("component", "api"),
	}
}

// RegisterRoutes registers the API routes on r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/peers", s.handlePeers)
	r.Get("/topology", s.handleTopology)
	r.Get("/queue", s.handleQueue)
	r.Get("/history/{peer}", s.handleHistory)
	r.Post("/messages", s.handleSend)
	r.Post("/alarm", s.handleAlarm)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
}

// Router returns a chi router with every route registered.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	s.RegisterRoutes(r)
	return r
}

type sendRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

type alarmRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st.Peers)
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status()
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(st.Tree)) //nolint:errcheck
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	q, err := s.engine.QueueSnapshot()
	if err != nil {
		s.fail(w, err)
		return
	}
	if q == nil {
		q = []protocol.Bundle{}
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history not available", http.StatusNotFound)
		return
	}
	msgs, err := s.history.History(chi.URLParam(r, "peer"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if msgs == nil {
		msgs = []store.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" || req.Content == "" {
		http.Error(w, "to and content are required", http.StatusBadRequest)
		return
	}
	b, err := s.engine.Send(req.To, req.Content)
	if err != nil {
		s.fail(w, err)
		return
	}
	if s.history != nil {
		msg := store.ChatMessage{PeerID: req.To, Text: req.Content, FromMe: true, Timestamp: b.Timestamp}
		if err := s.history.AppendHistory(msg); err != nil {
			s.log.WithError(err).Warn("Failed to record sent message")
		}
	}
	writeJSON(w, http.StatusAccepted, b)
}

func (s *Server) handleAlarm(w http.ResponseWriter, r *http.Request) {
	var req alarmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.Alarm(req.Text); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, node.ErrStopped) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.log.WithError(err).Error("Request failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
