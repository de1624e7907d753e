package api

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
)

// handleListDatapoints returns the datapoint type catalog.
//
// GET /datapoints
// Response: {"datapoints": [...], "count": N}
func (s *Server) handleListDatapoints(w http.ResponseWriter, _ *http.Request) {
	all := s.datapoints.Converter().Catalog().All()
	writeJSON(w, http.StatusOK, map[string]any{"datapoints": all, "count": len(all)})
}

// handleGetDatapoint looks up one datapoint type. Both "9.001" and
// "DPST-9-1" are accepted.
//
// GET /datapoints/{id}
func (s *Server) handleGetDatapoint(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "invalid datapoint id")
		return
	}
	d, err := s.datapoints.Converter().Catalog().Lookup(id)
	if err != nil {
		writeNotFound(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}
