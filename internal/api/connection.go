package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nerrad567/knxlink/internal/audit"
)

// connectRequest is the optional body of POST /connection.
type connectRequest struct {
	Params string `json:"params"`
}

// handleGetConnection returns the bus connection status.
//
// GET /connection
func (s *Server) handleGetConnection(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.conn.Status())
}

// handleConnect opens the bus connection. Without params the configured
// connection URL is used.
//
// POST /connection
// Body (optional): {"params": "tcp://knxd:6720"}
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	params := req.Params
	if params == "" {
		params = s.defaultParams
	}
	if params == "" {
		writeBadRequest(w, "params is required")
		return
	}

	err := s.conn.Connect(r.Context(), params)
	s.auditLog(r, audit.ActionConnect, params, err, nil)
	if err != nil {
		writeBusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.conn.Status())
}

// handleDisconnect closes the bus connection.
//
// DELETE /connection
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	err := s.conn.Disconnect(r.Context())
	s.auditLog(r, audit.ActionDisconnect, "", err, nil)
	if err != nil {
		writeBusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.conn.Status())
}
