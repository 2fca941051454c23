package main

import (
	"encoding/json"
	"net/http"
	"strconv"
)

const maxRequestBody = 1 << 20

type apiError struct {
	Error string `json:"error"`
}

type emitRequest struct {
	Service string          `json:"service"`
	Event   string          `json:"event"`
	Filter  filter          `json:"filter"`
	Payload json.RawMessage `json:"payload"`
}

type emitResponse struct {
	Service   string `json:"service"`
	Event     string `json:"event"`
	Filter    filter `json:"filter"`
	Attempted int    `json:"attempted"`
	Delivered int    `json:"delivered"`
}

type clientFilterRequest struct {
	Service string `json:"service"`
	Filter  filter `json:"filter"`
}

type clientFilterResponse struct {
	Service         string          `json:"service"`
	MatchingClients int             `json:"matching_clients"`
	Clients         []matchedClient `json:"clients"`
}

type healthResponse struct {
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
	TotalServices int    `json:"total_services"`
	TotalClients  int    `json:"total_clients"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleEmit accepts a publish request and fans the event out to every
// matching subscriber in the target service.
func (s *server) handleEmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}

	var req emitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid JSON body"})
		return
	}
	if req.Service == "" || !validScope.MatchString(req.Service) {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "a valid service name is required"})
		return
	}
	if req.Event == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "an event name is required"})
		return
	}
	if req.Filter == nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "a filter object is required"})
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		var decoded map[string]any
		if err := json.Unmarshal(req.Payload, &decoded); err != nil {
			writeJSON(w, http.StatusBadRequest, apiError{Error: "payload must be a JSON object"})
			return
		}
		payload = decoded
	}

	result, resolved, err := s.disp.publish(req.Service, req.Event, req.Filter, payload)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}

	if s.audit != nil {
		if err := s.audit.record(r.Context(), req.Service, req.Event, resolved, result); err != nil {
			s.logger.Warn("audit record failed", "service", req.Service, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, emitResponse{
		Service:   req.Service,
		Event:     req.Event,
		Filter:    resolved,
		Attempted: result.Attempted,
		Delivered: result.Delivered,
	})
}

// handleStats reports every service with its connected clients and their
// current filters.
func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, s.reg.stats())
}

// handleClientFilter is a dry run of handleEmit: same matching, no sends.
func (s *server) handleClientFilter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}

	var req clientFilterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid JSON body"})
		return
	}
	if req.Service == "" || !validScope.MatchString(req.Service) {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "a valid service name is required"})
		return
	}
	if req.Filter == nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "a filter object is required"})
		return
	}

	clients, _, err := s.disp.preview(req.Service, req.Filter)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, clientFilterResponse{
		Service:         req.Service,
		MatchingClients: len(clients),
		Clients:         clients,
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}

	stats := s.reg.stats()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "OK",
		Timestamp:     isoNow(),
		TotalServices: stats.TotalServices,
		TotalClients:  stats.TotalClients,
	})
}

// handleHistory returns recent publish records from the audit log.
func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}
	if s.audit == nil {
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: "audit log disabled"})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, apiError{Error: "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	records, err := s.audit.recent(r.Context(), r.URL.Query().Get("service"), limit)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "failed to read audit log"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"publishes": records})
}
