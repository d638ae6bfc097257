package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"i4.energy/across/tracker/modem"
)

//go:generate go tool mockgen -source=server.go -destination=mock_server_test.go -package=main

// Device is the part of the modem the HTTP API uses
type Device interface {
	Snapshot() modem.Snapshot
	Query(ctx context.Context, cmd string, timeout time.Duration) ([]string, error)
}

// Reporter exposes the tracker progress
type Reporter interface {
	Session() string
	Sent() int
}

// Server handles incoming HTTP requests for interacting with the
// configured modem instance
type Server struct {
	Logger  *slog.Logger
	Modem   Device
	Outbox  *Outbox
	Tracker Reporter
	// Token, when set, is required as a bearer token
	Token string
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.sendError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /sms", s.handleSMS)
	mux.HandleFunc("POST /at", s.handleAT)
	mux.ServeHTTP(w, r)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.Token == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && token == s.Token
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	resp := ErrorResponse{Message: message}
	s.sendJSON(w, resp, statusCode)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// handleStatus reports the modem session and the queue and tracker progress
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type TrackerStatus struct {
		Session string `json:"session"`
		Sent    int    `json:"sent"`
	}
	type StatusResponse struct {
		Modem   modem.Snapshot `json:"modem"`
		Pending int            `json:"pending_sms"`
		Tracker *TrackerStatus `json:"tracker,omitempty"`
	}

	resp := StatusResponse{Modem: s.Modem.Snapshot()}
	if s.Outbox != nil {
		resp.Pending = s.Outbox.Pending()
	}
	if s.Tracker != nil {
		resp.Tracker = &TrackerStatus{Session: s.Tracker.Session(), Sent: s.Tracker.Sent()}
	}
	s.sendJSON(w, resp, http.StatusOK)
}

// handleSMS queues an SMS send request
func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request) {
	var req SMSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.To == "" || req.Message == "" {
		s.sendError(w, "both 'to' and 'message' fields are required", http.StatusBadRequest)
		return
	}

	id, err := s.Outbox.Enqueue(req)
	if err != nil {
		s.Logger.Error("Failed to queue SMS", "error", err, "to", req.To)
		s.sendError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	s.Logger.Info("SMS queued", "id", id, "to", req.To, "message_length", len(req.Message))
	s.sendJSON(w, map[string]string{"status": "queued", "id": id}, http.StatusAccepted)
}

// handleAT runs a single AT command and returns the lines it answered with
func (s *Server) handleAT(w http.ResponseWriter, r *http.Request) {
	type ATRequest struct {
		Command   string `json:"command"`
		TimeoutMS int    `json:"timeout_ms"`
	}
	type ATResponse struct {
		Lines  []string `json:"lines"`
		Result string   `json:"result"`
	}

	var req ATRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(strings.ToUpper(req.Command), "AT") {
		s.sendError(w, "'command' must start with AT", http.StatusBadRequest)
		return
	}

	lines, err := s.Modem.Query(r.Context(), req.Command, time.Duration(req.TimeoutMS)*time.Millisecond)
	var replyErr *modem.ReplyError
	if err != nil && !errors.As(err, &replyErr) {
		s.Logger.Error("AT command failed", "command", req.Command, "error", err)
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	s.sendJSON(w, ATResponse{Lines: lines, Result: modem.ReplyOf(err).String()}, http.StatusOK)
}
